package handlers

import (
	"errors"
	"sort"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/middleware"
	"github.com/trentd187/roomchat/internal/store"
)

// OnlineSource lists users with at least one live connection. *realtime.Hub implements it.
type OnlineSource interface {
	OnlineUserIDs() []uuid.UUID
}

// OnlineUser is one entry of GET /api/v1/users/online.
type OnlineUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// GetMe handles GET /api/v1/users/me.
func GetMe(users UserStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := users.UserByID(c.UserContext(), middleware.UserID(c))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "user not found",
				})
			}
			log.Error("load user", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch user",
			})
		}
		return c.JSON(userResponse(user))
	}
}

// GetOnlineUsers handles GET /api/v1/users/online. The set comes from the live
// sessions, not the database; the database only supplies display names.
func GetOnlineUsers(online OnlineSource, users UserStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		found, err := users.UsersByIDs(c.UserContext(), online.OnlineUserIDs())
		if err != nil {
			log.Error("load online users", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch online users",
			})
		}

		response := make([]OnlineUser, 0, len(found))
		for _, u := range found {
			response = append(response, OnlineUser{ID: u.ID.String(), DisplayName: u.DisplayName})
		}
		sort.Slice(response, func(i, j int) bool { return response[i].DisplayName < response[j].DisplayName })
		return c.JSON(response)
	}
}
