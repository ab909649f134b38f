package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trentd187/roomchat/internal/metrics"
)

// LifecycleOptions tunes per-connection resources.
type LifecycleOptions struct {
	SendBuffer int           // Outbound frames queued per connection before it counts as too slow
	PingPeriod time.Duration // How often the write pump pings the peer; 0 disables pings
	RateLimit  rate.Limit    // Inbound frames per second per connection; 0 disables the limiter
	RateBurst  int           // Frames allowed in a burst above RateLimit; at least 1 when limiting
}

func (o *LifecycleOptions) norm() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = 1
	}
}

// Lifecycle runs one connection through accept, authenticate, run and
// teardown. Teardown runs exactly once per connection on every exit path:
// peer close, transport error, forced kill, context cancellation, or a panic
// in the event loop.
type Lifecycle struct {
	hub      *Hub
	b        *Broadcaster
	presence *Presence
	router   *Router
	resolver IdentityResolver
	opts     LifecycleOptions

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewLifecycle wires a Lifecycle manager.
func NewLifecycle(hub *Hub, b *Broadcaster, p *Presence, r *Router, resolver IdentityResolver, opts LifecycleOptions, log *zap.Logger, m *metrics.Metrics) *Lifecycle {
	opts.norm()
	return &Lifecycle{
		hub:      hub,
		b:        b,
		presence: p,
		router:   r,
		resolver: resolver,
		opts:     opts,
		log:      log,
		metrics:  m,
	}
}

var errPanic = errors.New("event loop panic")

// Serve owns t until it returns. It returns an error wrapping ErrAuthRejected
// when the credential is refused, ErrHubStopped during shutdown, and nil after
// an ordinary close.
func (l *Lifecycle) Serve(ctx context.Context, t Transport, credential string) (err error) {
	conn := newConn(l.opts.SendBuffer)

	// Step 1: authenticate. A refused credential never reaches the Hub, so
	// there is nothing to tear down.
	ident, err := l.resolver.ResolveIdentity(ctx, credential)
	if err != nil {
		conn.setState(StateClosed)
		_ = t.Close(CloseUnauthorized, "unauthorized")
		if !errors.Is(err, ErrAuthRejected) {
			err = fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		l.log.Info("connection rejected", zap.Error(err))
		return err
	}
	conn.authenticate(ident)
	log := l.log.With(zap.Stringer("user_id", conn.UserID()), zap.Stringer("conn_id", conn.ID()))

	// Step 2: register. "first" tells us whether the user just came online.
	first, err := l.hub.Register(conn)
	if err != nil {
		conn.setState(StateClosed)
		_ = t.Close(CloseGoingAway, "server shutting down")
		return err
	}
	l.metrics.ConnectionOpened()
	log.Info("connection opened")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump(t, l.opts.PingPeriod, log)
	}()

	// Cancellation and kills close the transport, which unblocks ReadFrame.
	go func() {
		select {
		case <-ctx.Done():
			conn.Kill(ctx.Err())
		case <-conn.Done():
		}
		code, reason := closeCodeFor(conn.Err())
		_ = t.Close(code, reason)
	}()

	// Step 4, deferred so it runs on every way out of the read loop. recover
	// turns a panic in a handler into an ordinary close with 1011 instead of
	// crashing the whole server.
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("event loop panic", zap.Any("panic", rec), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errPanic, rec)
			conn.Kill(err)
		}
		l.teardown(conn, log)
		<-writerDone
	}()

	// Step 3: announce presence, then start routing events.
	if first {
		l.presence.NotifyUserConnected(conn.UserID())
	} else {
		l.presence.Snapshot(conn)
	}
	conn.setState(StateActive)

	l.readLoop(ctx, conn, t, log)
	if errors.Is(conn.Err(), ErrHubStopped) {
		return ErrHubStopped
	}
	return nil
}

func (l *Lifecycle) readLoop(ctx context.Context, conn *Conn, t Transport, log *zap.Logger) {
	var limiter *rate.Limiter
	if l.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(l.opts.RateLimit, l.opts.RateBurst)
	}

	for {
		raw, err := t.ReadFrame()
		if err != nil {
			if conn.Err() == nil {
				log.Debug("read ended", zap.Error(err))
			}
			return
		}

		// Allow takes a token from the bucket if one is available. An empty
		// bucket means the client is sending too fast; the frame is dropped.
		if limiter != nil && !limiter.Allow() {
			l.router.Reject(conn, "", uuid.Nil, ErrRateLimited)
			continue
		}

		in, err := DecodeInbound(raw)
		if err != nil {
			l.router.Reject(conn, in.Kind, uuid.Nil, err)
			continue
		}
		_ = l.router.Handle(ctx, conn, in)
	}
}

// teardown removes conn from the Hub in one step, tells each room the user
// vacated, publishes presence if the user went offline, and stops the writer.
func (l *Lifecycle) teardown(conn *Conn, log *zap.Logger) {
	if conn.State() == StateClosed {
		return
	}
	conn.setState(StateClosed)

	vacated, last := l.hub.Teardown(conn)
	for _, room := range vacated {
		l.b.SendToRoom(room, Event{Type: KindUserLeft, Data: RoomUserPayload{
			RoomID:      room,
			UserID:      conn.UserID(),
			DisplayName: conn.DisplayName(),
		}}, conn.UserID())
	}
	if last {
		l.presence.NotifyUserDisconnected(conn.UserID())
	}

	conn.Kill(ErrConnClosed)
	l.metrics.ConnectionClosed()
	log.Info("connection closed",
		zap.Int("rooms_vacated", len(vacated)),
		zap.Bool("user_offline", last))
}

func closeCodeFor(cause error) (int, string) {
	switch {
	case cause == nil, errors.Is(cause, ErrConnClosed), errors.Is(cause, context.Canceled):
		return CloseNormal, ""
	case errors.Is(cause, ErrHubStopped):
		return CloseGoingAway, "server shutting down"
	case errors.Is(cause, ErrDeliveryFailed):
		return ClosePolicyViolation, "connection too slow"
	default:
		return CloseInternalError, "internal error"
	}
}
