package engine

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

// Handler builds fiber handlers for a registered entity. One Handler serves
// every entity; the entity is bound per route at registration time.
type Handler struct {
	Exec *Executor
	Val  *Validator
	Dev  bool
}

func NewHandler(exec *Executor, val *Validator, dev bool) *Handler {
	return &Handler{Exec: exec, Val: val, Dev: dev}
}

func (h *Handler) respondErr(c *fiber.Ctx, appErr *AppError) error {
	if appErr.Status >= 500 {
		log.Printf("ERROR %s %s: %v", c.Method(), c.Path(), appErr)
	}
	return c.Status(appErr.Status).JSON(appErr.Body(h.Dev))
}

func (h *Handler) respond(c *fiber.Ctx, e *metadata.Entity, status int, fallback string, data any, meta map[string]any) error {
	body := fiber.Map{
		"message": e.Message(status, fallback),
		"data":    data,
	}
	if meta != nil {
		body["meta"] = meta
	}
	return c.Status(status).JSON(body)
}

func parseBody(c *fiber.Ctx) (map[string]any, *AppError) {
	var payload map[string]any
	if err := json.Unmarshal(c.Body(), &payload); err != nil || payload == nil {
		return nil, InvalidPayload()
	}
	return payload, nil
}

// keyFromParams extracts and coerces the full primary-key tuple from route
// params named after the key columns.
func keyFromParams(c *fiber.Ctx, e *metadata.Entity) ([]any, *AppError) {
	pk := e.PrimaryKey()
	key := make([]any, len(pk))
	for i, col := range pk {
		raw := c.Params(col.Name)
		if raw == "" {
			return nil, BadRequest(fmt.Sprintf("missing key segment %q", col.Name))
		}
		v, err := coerceParam(col.Type, raw)
		if err != nil {
			return nil, BadRequest(fmt.Sprintf("invalid key segment %q: %v", col.Name, err))
		}
		key[i] = v
	}
	return key, nil
}

func (h *Handler) List(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		plan, appErr := ParseListQuery(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		rows, total, appErr := h.Exec.List(c.UserContext(), plan)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		meta := map[string]any{"page": plan.Page, "limit": plan.Limit, "total": total}
		return h.respond(c, e, 200, "OK", rows, meta)
	}
}

func (h *Handler) Get(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, appErr := keyFromParams(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		var includes [][]string
		if raw := c.Query("include"); raw != "" {
			includes, appErr = ParseIncludes(e, raw)
			if appErr != nil {
				return h.respondErr(c, appErr)
			}
		}
		row, appErr := h.Exec.Get(c.UserContext(), e, key, includes)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 200, "OK", row, nil)
	}
}

func (h *Handler) Create(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload, appErr := parseBody(c)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		appErr, err := h.Val.ValidateWrite(c.UserContext(), e, OpCreate, payload, nil)
		if err != nil {
			return h.respondErr(c, Internal(err))
		}
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		row, appErr := h.Exec.Create(c.UserContext(), e, payload)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 201, "Created", row, nil)
	}
}

func (h *Handler) Update(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, appErr := keyFromParams(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		payload, appErr := parseBody(c)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		appErr, err := h.Val.ValidateWrite(c.UserContext(), e, OpUpdate, payload, key)
		if err != nil {
			return h.respondErr(c, Internal(err))
		}
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		row, appErr := h.Exec.Update(c.UserContext(), e, key, payload)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 200, "Updated", row, nil)
	}
}

func (h *Handler) Delete(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, appErr := keyFromParams(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		if appErr := h.Exec.Delete(c.UserContext(), e, key); appErr != nil {
			return h.respondErr(c, appErr)
		}
		deleted := make(map[string]any, len(key))
		for i, col := range e.PrimaryKey() {
			deleted[col.Name] = key[i]
		}
		return h.respond(c, e, 200, "Deleted", deleted, nil)
	}
}

func (h *Handler) ListAssociated(e *metadata.Entity, assoc *metadata.Association) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, appErr := keyFromParams(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		parent, appErr := h.Exec.Get(c.UserContext(), e, key, nil)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		related, appErr := h.Exec.AssociatedRows(c.UserContext(), e, parent, assoc)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 200, "OK", related, nil)
	}
}

func (h *Handler) CreateAssociated(e *metadata.Entity, assoc *metadata.Association) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, appErr := keyFromParams(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		payload, appErr := parseBody(c)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		if assoc.Type == metadata.HasMany || assoc.Type == metadata.HasOne {
			// Stamp the link before validating so the foreign key is never
			// reported missing.
			payload[assoc.ForeignKey] = key[0]
			appErr, err := h.Val.ValidateWrite(c.UserContext(), assoc.TargetEntity, OpCreate, payload, nil)
			if err != nil {
				return h.respondErr(c, Internal(err))
			}
			if appErr != nil {
				return h.respondErr(c, appErr)
			}
		}
		row, appErr := h.Exec.CreateAssociated(c.UserContext(), e, key, assoc, payload)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 201, "Created", row, nil)
	}
}

func (h *Handler) ReplaceAssociated(e *metadata.Entity, assoc *metadata.Association) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, appErr := keyFromParams(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		ids, appErr := parseIDList(c)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		related, appErr := h.Exec.ReplaceAssociated(c.UserContext(), e, key, assoc, ids)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 200, "Updated", related, nil)
	}
}

func (h *Handler) RemoveAssociated(e *metadata.Entity, assoc *metadata.Association) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, appErr := keyFromParams(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		targetPK := assoc.TargetEntity.PrimaryKey()[0]
		targetID, err := coerceParam(targetPK.Type, c.Params("target_id"))
		if err != nil {
			return h.respondErr(c, BadRequest(fmt.Sprintf("invalid target id: %v", err)))
		}
		if appErr := h.Exec.RemoveAssociated(c.UserContext(), e, key, assoc, targetID); appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 200, "Deleted", fiber.Map{"removed": targetID}, nil)
	}
}

func (h *Handler) RunQuery(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		args, appErr := requestArgs(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		rows, appErr := h.Exec.RunQuery(c.UserContext(), e, args)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 200, "OK", rows, nil)
	}
}

func (h *Handler) CallProcedure(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		args, appErr := requestArgs(c, e)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		rows, appErr := h.Exec.CallProcedure(c.UserContext(), e, args)
		if appErr != nil {
			return h.respondErr(c, appErr)
		}
		return h.respond(c, e, 200, "OK", rows, nil)
	}
}

// MethodNotAllowed rejects writes on read-only routes explicitly instead of
// leaving them to the router's 404.
func (h *Handler) MethodNotAllowed(e *metadata.Entity) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return h.respondErr(c, Unsupported(fmt.Sprintf("%s does not support %s", e.Name, c.Method())))
	}
}

// requestArgs merges declared parameters from the query string and, for
// bodied requests, a JSON object body. Body values win.
func requestArgs(c *fiber.Ctx, e *metadata.Entity) (map[string]any, *AppError) {
	args := make(map[string]any)
	for _, p := range e.Parameters {
		if raw := c.Query(p.Name); raw != "" {
			args[p.Name] = coerceLiteral(raw)
		}
	}
	if len(c.Body()) > 0 {
		var body map[string]any
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return nil, InvalidPayload()
		}
		for k, v := range body {
			args[k] = v
		}
	}
	return args, nil
}

// coerceLiteral guesses the type of an untyped query-string value.
func coerceLiteral(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func parseIDList(c *fiber.Ctx) ([]any, *AppError) {
	var ids []any
	if err := json.Unmarshal(c.Body(), &ids); err == nil {
		return ids, nil
	}
	var wrapped struct {
		IDs []any `json:"ids"`
	}
	if err := json.Unmarshal(c.Body(), &wrapped); err == nil && wrapped.IDs != nil {
		return wrapped.IDs, nil
	}
	return nil, BadRequest(`body must be a JSON array of ids or {"ids": [...]}`)
}
