package websocket

import (
	"context"
	"errors"

	fws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/auth"
	"github.com/trentd187/roomchat/internal/realtime"
)

const localCredential = "credential"

// Server is the connection entry point: realtime.Lifecycle implements it.
type Server interface {
	Serve(ctx context.Context, t realtime.Transport, credential string) error
}

// Upgrade accepts only websocket upgrade requests and stashes the credential
// from the "token" query parameter or the Authorization header. Verification
// happens after the upgrade so a bad token gets a proper close code.
func Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !fws.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			token, _ = auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		}
		c.Locals(localCredential, token)
		return c.Next()
	}
}

// Handler runs each upgraded connection through srv until it ends. ctx is the
// server's base context; cancelling it closes every connection.
func Handler(ctx context.Context, srv Server, opts Options, log *zap.Logger) fiber.Handler {
	return fws.New(func(c *fws.Conn) {
		credential, _ := c.Locals(localCredential).(string)
		t := NewTransport(c, opts)

		err := srv.Serve(ctx, t, credential)
		switch {
		case err == nil, errors.Is(err, realtime.ErrAuthRejected), errors.Is(err, realtime.ErrHubStopped):
		default:
			log.Warn("websocket session ended with error", zap.Error(err))
		}
	})
}
