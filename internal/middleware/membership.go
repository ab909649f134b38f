package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MembershipChecker reports durable room membership. *store.Store implements it.
type MembershipChecker interface {
	IsMember(ctx context.Context, user, room uuid.UUID) (bool, error)
}

// RequireRoomMember guards routes with an ":id" room parameter so only members
// of that room get through. It must run after Auth.
func RequireRoomMember(members MembershipChecker, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room id",
			})
		}

		ok, err := members.IsMember(c.UserContext(), UserID(c), room)
		if err != nil {
			log.Error("membership check failed", zap.Stringer("room_id", room), zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "membership check failed",
			})
		}
		if !ok {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "not a room member",
			})
		}
		return c.Next()
	}
}
