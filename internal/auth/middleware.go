// Package auth verifies bearer tokens and attaches the caller's principal to
// the request. Requests without a token proceed anonymously; route-level
// policy is left to the application.
package auth

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

const localsKey = "principal"

// Middleware validates an optional Authorization: Bearer token signed with
// the shared secret. A present-but-invalid token is rejected with 401.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			setPrincipal(c, metadata.Anonymous)
			return c.Next()
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return unauthorized(c, "malformed Authorization header")
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return unauthorized(c, "invalid or expired token")
		}

		principal := metadata.Anonymous
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, ok := claims["sub"].(string); ok {
				principal.UserID = sub
			}
			if role, ok := claims["role"].(string); ok {
				principal.Role = role
			}
		}
		setPrincipal(c, principal)
		return c.Next()
	}
}

// setPrincipal stores the identity in fiber locals and on the request
// context, so both handlers and downstream layers can read it.
func setPrincipal(c *fiber.Ctx, p metadata.Principal) {
	c.Locals(localsKey, p)
	c.SetUserContext(metadata.WithPrincipal(c.UserContext(), p))
}

// GetPrincipal returns the authenticated principal for the request, or
// Anonymous when the middleware did not run.
func GetPrincipal(c *fiber.Ctx) metadata.Principal {
	if p, ok := c.Locals(localsKey).(metadata.Principal); ok {
		return p
	}
	return metadata.Anonymous
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(401).JSON(fiber.Map{"error": "UNAUTHORIZED", "message": msg})
}
