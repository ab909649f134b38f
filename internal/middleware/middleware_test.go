package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/trentd187/roomchat/internal/auth"
)

type memberFunc func(user, room uuid.UUID) (bool, error)

func (f memberFunc) IsMember(_ context.Context, user, room uuid.UUID) (bool, error) {
	return f(user, room)
}

func TestAuth(t *testing.T) {
	issuer := auth.NewIssuer("middleware-secret", time.Hour)
	user := uuid.New()
	token, _, err := issuer.IssueToken(user, "Alice")
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/", Auth(issuer), func(c *fiber.Ctx) error {
		return c.SendString(UserID(c).String() + "|" + c.Locals(LocalDisplayName).(string))
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", fiber.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, fiber.StatusUnauthorized},
		{"bad token", "Bearer nope", fiber.StatusUnauthorized},
		{"valid", "Bearer " + token, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRequireRoomMember(t *testing.T) {
	room := uuid.New()
	member := uuid.New()
	checker := memberFunc(func(user, r uuid.UUID) (bool, error) {
		if r != room {
			return false, errors.New("db down")
		}
		return user == member, nil
	})

	as := func(user uuid.UUID) fiber.Handler {
		return func(c *fiber.Ctx) error {
			c.Locals(LocalUserID, user)
			return c.Next()
		}
	}

	for name, tc := range map[string]struct {
		user   uuid.UUID
		room   string
		status int
	}{
		"member":     {member, room.String(), fiber.StatusOK},
		"non-member": {uuid.New(), room.String(), fiber.StatusForbidden},
		"bad id":     {member, "lobby", fiber.StatusBadRequest},
		"store down": {member, uuid.NewString(), fiber.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/rooms/:id", as(tc.user), RequireRoomMember(checker, zap.NewNop()), func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusOK)
			})
			resp, err := app.Test(httptest.NewRequest("GET", "/rooms/"+tc.room, nil))
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	app := fiber.New()
	app.Use(RequestLogger(zap.New(core)))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.ErrBadGateway })

	for _, path := range []string{"/ok", "/boom"} {
		_, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
	}

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(fiber.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, int64(fiber.StatusBadGateway), entries[1].ContextMap()["status"])
}
