// Package middleware contains Fiber middleware shared by the REST routes.
package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/trentd187/roomchat/internal/auth"
	"github.com/trentd187/roomchat/internal/realtime"
)

// Locals keys set by Auth.
const (
	LocalUserID      = "userID"
	LocalDisplayName = "displayName"
)

// TokenVerifier turns a bearer token into an identity. *auth.Issuer implements it.
type TokenVerifier interface {
	ParseToken(token string) (realtime.Identity, error)
}

// Auth rejects requests without a valid "Authorization: Bearer <token>" header
// and stores the caller's id and display name in c.Locals for the handlers.
func Auth(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing or invalid authorization header",
			})
		}

		id, err := verifier.ParseToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		c.Locals(LocalUserID, id.UserID)
		c.Locals(LocalDisplayName, id.DisplayName)
		return c.Next()
	}
}

// UserID returns the caller set by Auth, or uuid.Nil on routes without it.
func UserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(LocalUserID).(uuid.UUID)
	return id
}
