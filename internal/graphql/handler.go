package graphql

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"
)

type request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// Handler serves POST /graphql. Execution errors come back in the standard
// "errors" array with HTTP 200; only a malformed request is a 400.
func Handler(schema graphql.Schema) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req request
		if err := json.Unmarshal(c.Body(), &req); err != nil || req.Query == "" {
			return c.Status(400).JSON(fiber.Map{
				"errors": []fiber.Map{{"message": "request body must contain a query"}},
			})
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			OperationName:  req.OperationName,
			VariableValues: req.Variables,
			Context:        c.UserContext(),
		})
		return c.JSON(result)
	}
}
