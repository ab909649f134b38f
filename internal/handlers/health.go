// Package handlers contains the HTTP route handlers for the chat API.
// Each handler reads the request, calls into the store or the realtime core,
// and writes a JSON response. Errors are returned as {"error": "..."} with a
// matching status code.
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/trentd187/roomchat/internal/realtime"
)

// StatsSource reports the live connection counts. *realtime.Hub implements it.
type StatsSource interface {
	Stats() realtime.Stats
}

// HealthCheck handles GET /health. It touches no database so health checks stay cheap,
// and it reports the live connection counts alongside the status.
func HealthCheck(hub StatsSource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"realtime": hub.Stats(),
		})
	}
}
