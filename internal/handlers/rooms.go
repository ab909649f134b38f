package handlers

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/middleware"
	"github.com/trentd187/roomchat/internal/models"
	"github.com/trentd187/roomchat/internal/realtime"
	"github.com/trentd187/roomchat/internal/store"
)

// RoomStore is the room storage the handlers need. *store.Store implements it.
type RoomStore interface {
	CreateRoom(ctx context.Context, name string, creator uuid.UUID) (*models.Room, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	RoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	AddMember(ctx context.Context, room, user uuid.UUID) error
	RemoveMember(ctx context.Context, room, user uuid.UUID) error
	ListRecentMessages(ctx context.Context, room uuid.UUID, limit int) ([]realtime.StoredMessage, error)
}

// Publisher stores a message and fans it out to live subscribers. *realtime.Router implements it.
type Publisher interface {
	Publish(ctx context.Context, sender realtime.Identity, room uuid.UUID, content string) (realtime.MessagePayload, error)
}

// Evictor drops a user's live room subscription after their membership ends.
// *realtime.Router implements it.
type Evictor interface {
	Evict(user realtime.Identity, room uuid.UUID) bool
}

// RoomResponse is the public view of a room.
type RoomResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedBy   string `json:"created_by"`
	MemberCount int    `json:"member_count"`
	IsMember    bool   `json:"is_member"` // Whether the caller may join it over the websocket
	CreatedAt   string `json:"created_at"`
}

func roomResponse(r *models.Room, caller uuid.UUID) RoomResponse {
	resp := RoomResponse{
		ID:          r.ID.String(),
		Name:        r.Name,
		CreatedBy:   r.CreatedBy.String(),
		MemberCount: len(r.Members),
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, m := range r.Members {
		if m.ID == caller {
			resp.IsMember = true
			break
		}
	}
	return resp
}

// CreateRoomRequest is the body for POST /api/v1/rooms.
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// InviteRequest is the body for POST /api/v1/rooms/:id/invite.
type InviteRequest struct {
	UserID string `json:"user_id"`
}

// PostMessageRequest is the body for POST /api/v1/rooms/:id/messages.
type PostMessageRequest struct {
	Content string `json:"content"`
}

const (
	maxRoomNameLength = 64
	maxHistoryLimit   = 200
)

// GetRooms handles GET /api/v1/rooms.
func GetRooms(rooms RoomStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := rooms.ListRooms(c.UserContext())
		if err != nil {
			log.Error("list rooms", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch rooms",
			})
		}

		caller := middleware.UserID(c)
		response := make([]RoomResponse, 0, len(list))
		for i := range list {
			response = append(response, roomResponse(&list[i], caller))
		}
		return c.JSON(response)
	}
}

// CreateRoom handles POST /api/v1/rooms. The caller becomes the first member.
func CreateRoom(rooms RoomStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateRoomRequest
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		name := strings.TrimSpace(body.Name)
		if name == "" || utf8.RuneCountInString(name) > maxRoomNameLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "name must be 1-64 characters",
			})
		}

		caller := middleware.UserID(c)
		room, err := rooms.CreateRoom(c.UserContext(), name, caller)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error": "room name already taken",
				})
			}
			log.Error("create room", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to create room",
			})
		}

		resp := roomResponse(room, caller)
		resp.MemberCount = 1
		resp.IsMember = true
		return c.Status(fiber.StatusCreated).JSON(resp)
	}
}

// GetRoom handles GET /api/v1/rooms/:id. Any signed-in user may look a room
// up; IsMember tells them whether they can open it.
func GetRoom(rooms RoomStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room id",
			})
		}

		room, err := rooms.RoomByID(c.UserContext(), roomID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "room not found",
				})
			}
			log.Error("load room", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch room",
			})
		}
		return c.JSON(roomResponse(room, middleware.UserID(c)))
	}
}

// InviteMember handles POST /api/v1/rooms/:id/invite with {"user_id": ...}
// and POST /api/v1/rooms/:id/add/:user_id. A member adds another user to the
// room; membership is enforced by middleware.RequireRoomMember on the route.
// Adding someone who is already a member is not an error.
func InviteMember(rooms RoomStore, users UserStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room id",
			})
		}

		// The path form wins; otherwise the invitee comes from the body.
		raw := c.Params("user_id")
		if raw == "" {
			var body InviteRequest
			if err := c.BodyParser(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid request body",
				})
			}
			raw = body.UserID
		}
		invitee, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid user id",
			})
		}

		if _, err := users.UserByID(c.UserContext(), invitee); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "user not found",
				})
			}
			log.Error("load invitee", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to invite user",
			})
		}

		if err := rooms.AddMember(c.UserContext(), roomID, invitee); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "room not found",
				})
			}
			log.Error("add member", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to invite user",
			})
		}

		room, err := rooms.RoomByID(c.UserContext(), roomID)
		if err != nil {
			log.Error("load room", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load room",
			})
		}
		return c.JSON(roomResponse(room, middleware.UserID(c)))
	}
}

// LeaveRoom handles POST /api/v1/rooms/:id/leave. It ends the caller's
// durable membership and then drops their live subscription, so a former
// member stops receiving the room on every open connection.
func LeaveRoom(rooms RoomStore, evictor Evictor, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room id",
			})
		}

		caller := realtime.Identity{UserID: middleware.UserID(c)}
		caller.DisplayName, _ = c.Locals(middleware.LocalDisplayName).(string)

		if err := rooms.RemoveMember(c.UserContext(), roomID, caller.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "not a room member",
				})
			}
			log.Error("remove member", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to leave room",
			})
		}

		// Membership is gone from the database first, so a message racing the
		// eviction is refused by the Store's own membership check.
		evictor.Evict(caller, roomID)
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// JoinRoom handles POST /api/v1/rooms/:id/join. It grants durable membership;
// live delivery starts once a websocket connection sends join_room.
func JoinRoom(rooms RoomStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room id",
			})
		}

		caller := middleware.UserID(c)
		if err := rooms.AddMember(c.UserContext(), roomID, caller); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "room not found",
				})
			}
			log.Error("add member", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to join room",
			})
		}

		room, err := rooms.RoomByID(c.UserContext(), roomID)
		if err != nil {
			log.Error("load room", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load room",
			})
		}
		return c.JSON(roomResponse(room, caller))
	}
}

// GetMessages handles GET /api/v1/rooms/:id/messages?limit=N. Membership is
// enforced by middleware.RequireRoomMember on the route.
func GetMessages(rooms RoomStore, defaultLimit int, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room id",
			})
		}

		limit := c.QueryInt("limit", defaultLimit)
		if limit <= 0 || limit > maxHistoryLimit {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be between 1 and 200",
			})
		}

		msgs, err := rooms.ListRecentMessages(c.UserContext(), roomID, limit)
		if err != nil {
			log.Error("list messages", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch messages",
			})
		}

		response := make([]realtime.MessagePayload, 0, len(msgs))
		for _, m := range msgs {
			response = append(response, realtime.MessagePayload{
				ID:         m.ID,
				RoomID:     m.RoomID,
				SenderID:   m.SenderID,
				SenderName: m.SenderName,
				Content:    m.Content,
				CreatedAt:  m.CreatedAt.UTC(),
			})
		}
		return c.JSON(response)
	}
}

// PostMessage handles POST /api/v1/rooms/:id/messages. The message goes through
// the same validation, persistence and fan-out as one sent over the websocket.
func PostMessage(pub Publisher, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room id",
			})
		}

		var body PostMessageRequest
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		sender := realtime.Identity{
			UserID: middleware.UserID(c),
		}
		sender.DisplayName, _ = c.Locals(middleware.LocalDisplayName).(string)

		msg, err := pub.Publish(c.UserContext(), sender, roomID, body.Content)
		switch {
		case err == nil:
			return c.Status(fiber.StatusCreated).JSON(msg)
		case errors.Is(err, realtime.ErrValidationFailed):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, realtime.ErrNotAMember):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a room member"})
		default:
			log.Error("publish message", zap.Stringer("room_id", roomID), zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "failed to send message"})
		}
	}
}
