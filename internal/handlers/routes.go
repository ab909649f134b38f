package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/middleware"
)

// Deps is everything the routes need. Interfaces keep the handlers testable
// with in-memory fakes.
type Deps struct {
	Users    UserStore
	Rooms    RoomStore
	Members  middleware.MembershipChecker
	Tokens   TokenIssuer
	Verifier middleware.TokenVerifier
	Hub      interface {
		StatsSource
		OnlineSource
	}
	Publisher    Publisher
	Evictor      Evictor
	HistoryLimit int
	Log          *zap.Logger

	// Optional extra endpoints wired by the server binary.
	Metrics   fiber.Handler
	WSUpgrade fiber.Handler
	WSHandler fiber.Handler
}

// SetupRoutes registers every route on app.
func SetupRoutes(app *fiber.App, d Deps) {
	// --- Public routes ---
	app.Get("/health", HealthCheck(d.Hub))
	if d.Metrics != nil {
		app.Get("/metrics", d.Metrics)
	}
	if d.WSUpgrade != nil && d.WSHandler != nil {
		// The websocket authenticates itself from ?token= after the upgrade.
		app.Get("/ws", d.WSUpgrade, d.WSHandler)
	}

	v1 := app.Group("/api/v1")
	v1.Post("/auth/register", Register(d.Users, d.Log))
	v1.Post("/auth/login", Login(d.Users, d.Tokens, d.Log))

	// --- Authenticated routes ---
	api := v1.Group("", middleware.Auth(d.Verifier))

	api.Get("/users/me", GetMe(d.Users, d.Log))
	api.Get("/users/online", GetOnlineUsers(d.Hub, d.Users, d.Log))

	api.Get("/rooms", GetRooms(d.Rooms, d.Log))
	api.Post("/rooms", CreateRoom(d.Rooms, d.Log))
	api.Get("/rooms/:id", GetRoom(d.Rooms, d.Log))
	api.Post("/rooms/:id/join", JoinRoom(d.Rooms, d.Log))
	api.Post("/rooms/:id/leave", LeaveRoom(d.Rooms, d.Evictor, d.Log))

	// Member-only routes: only someone already in the room may read it, post
	// to it or bring others in.
	member := middleware.RequireRoomMember(d.Members, d.Log)
	api.Post("/rooms/:id/invite", member, InviteMember(d.Rooms, d.Users, d.Log))
	api.Post("/rooms/:id/add/:user_id", member, InviteMember(d.Rooms, d.Users, d.Log))
	api.Get("/rooms/:id/messages", member, GetMessages(d.Rooms, d.HistoryLimit, d.Log))
	api.Post("/rooms/:id/messages", member, PostMessage(d.Publisher, d.Log))
}
