package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/metrics"
)

// RouterOptions bounds what the Router accepts.
type RouterOptions struct {
	MaxMessageLength int           // in runes, after trimming
	HistoryLimit     int           // messages sent with a join ack
	StoreTimeout     time.Duration // per persistence call
}

func (o *RouterOptions) norm() {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 1000
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
}

// Router is the per-connection protocol state machine for the Active state.
// It validates inbound events against durable membership, persists messages,
// and drives the Hub, the Broadcaster and the Store.
//
// Failures are reported to the originating connection only and returned to
// the caller for logging. No Store call runs inside a Hub operation.
type Router struct {
	hub   *Hub
	b     *Broadcaster
	store Store
	opts  RouterOptions

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a Router.
func NewRouter(hub *Hub, b *Broadcaster, store Store, opts RouterOptions, log *zap.Logger, m *metrics.Metrics) *Router {
	opts.norm()
	return &Router{hub: hub, b: b, store: store, opts: opts, log: log, metrics: m}
}

// Handle processes one inbound event from conn.
func (r *Router) Handle(ctx context.Context, conn *Conn, in Inbound) error {
	var err error
	switch in.Kind {
	case KindJoinRoom:
		err = r.joinRoom(ctx, conn, in.RoomID)
	case KindLeaveRoom:
		err = r.leaveRoom(conn, in.RoomID)
	case KindMessage:
		err = r.message(ctx, conn, in.RoomID, in.Content)
	case KindTyping:
		err = r.typing(ctx, conn, in.RoomID)
	case KindPing:
		r.b.SendToConn(conn, Event{Type: KindPong, Data: PongPayload{Time: time.Now().UTC()}})
	default:
		err = fmt.Errorf("%w: unknown event type %q", ErrValidationFailed, in.Kind)
	}

	if err != nil {
		r.Reject(conn, in.Kind, in.RoomID, err)
		return err
	}
	r.metrics.EventHandled(string(in.Kind), "ok")
	return nil
}

// Reject reports err to the originating connection and nowhere else.
func (r *Router) Reject(conn *Conn, kind Kind, room uuid.UUID, err error) {
	r.metrics.EventHandled(metricKind(kind, err), ErrorCode(err))
	r.log.Debug("event rejected",
		zap.String("type", string(kind)),
		zap.Stringer("user_id", conn.UserID()),
		zap.Stringer("conn_id", conn.ID()),
		zap.Error(err))
	r.b.SendToConn(conn, errorEvent(kind, room, err))
}

// joinRoom subscribes conn before it reads the history. A message stored
// while the join is in progress then reaches the connection live, in the
// history, or both; clients drop repeats by message id. Reading the history
// first would leave a window where a message is in neither.
func (r *Router) joinRoom(ctx context.Context, conn *Conn, room uuid.UUID) error {
	// Durable membership comes from the Store; the Hub only tracks live joins.
	if err := r.requireMember(ctx, conn.UserID(), room); err != nil {
		return err
	}

	newly, err := r.hub.Join(conn, room)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	history, err := r.store.ListRecentMessages(sctx, room, r.opts.HistoryLimit)
	cancel()
	if err != nil {
		// Undo the join so a failed join_room leaves no trace. Nobody was told
		// about it yet, so there is no user_left to send.
		r.hub.Leave(conn, room)
		return fmt.Errorf("%w: list history: %v", ErrPersistenceUnavailable, err)
	}

	// Convert stored rows into wire payloads, oldest first as the Store returns them.
	msgs := make([]MessagePayload, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, messageFromStored(m))
	}
	r.b.SendToConn(conn, Event{Type: KindJoinedRoom, Data: JoinedRoomPayload{RoomID: room, Messages: msgs}})

	if newly {
		r.b.SendToRoom(room, Event{Type: KindUserJoined, Data: r.roomUser(conn, room)}, conn.UserID())
	}
	return nil
}

func (r *Router) leaveRoom(conn *Conn, room uuid.UUID) error {
	vacated := r.hub.Leave(conn, room)
	r.b.SendToConn(conn, Event{Type: KindLeftRoom, Data: LeftRoomPayload{RoomID: room}})
	if vacated {
		r.b.SendToRoom(room, Event{Type: KindUserLeft, Data: r.roomUser(conn, room)}, conn.UserID())
	}
	return nil
}

// Evict drops user's live subscription to room on every connection, for a
// user who just lost durable membership. Each of the user's connections gets
// left_room and the remaining subscribers get user_left. It reports whether
// the user was subscribed at all.
func (r *Router) Evict(user Identity, room uuid.UUID) bool {
	if !r.hub.Unsubscribe(room, user.UserID) {
		return false
	}
	r.b.SendToUser(user.UserID, Event{Type: KindLeftRoom, Data: LeftRoomPayload{RoomID: room}})
	r.b.SendToRoom(room, Event{Type: KindUserLeft, Data: RoomUserPayload{
		RoomID:      room,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	}}, user.UserID)
	return true
}

func (r *Router) message(ctx context.Context, conn *Conn, room uuid.UUID, content string) error {
	_, err := r.Publish(ctx, Identity{UserID: conn.UserID(), DisplayName: conn.DisplayName()}, room, content)
	return err
}

// Publish validates, persists and fans out a message on behalf of sender. It
// serves both websocket clients and the REST endpoint. Nothing is broadcast
// unless the message was stored.
func (r *Router) Publish(ctx context.Context, sender Identity, room uuid.UUID, content string) (MessagePayload, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return MessagePayload{}, fmt.Errorf("%w: message content is empty", ErrValidationFailed)
	}
	if n := utf8.RuneCountInString(content); n > r.opts.MaxMessageLength {
		return MessagePayload{}, fmt.Errorf("%w: message is %d characters, limit is %d", ErrValidationFailed, n, r.opts.MaxMessageLength)
	}
	if err := r.requireMember(ctx, sender.UserID, room); err != nil {
		return MessagePayload{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	start := time.Now()
	stored, err := r.store.CreateMessage(sctx, sender.UserID, room, content)
	cancel()
	r.metrics.ObservePersist(time.Since(start))
	if err != nil {
		if errors.Is(err, ErrNotAMember) {
			return MessagePayload{}, err
		}
		return MessagePayload{}, fmt.Errorf("%w: create message: %v", ErrPersistenceUnavailable, err)
	}

	msg := messageFromStored(stored)
	r.b.SendToRoom(room, Event{Type: KindMessage, Data: msg}, uuid.Nil)
	return msg, nil
}

func (r *Router) typing(ctx context.Context, conn *Conn, room uuid.UUID) error {
	if err := r.requireMember(ctx, conn.UserID(), room); err != nil {
		return err
	}
	r.b.SendToRoom(room, Event{Type: KindTyping, Data: r.roomUser(conn, room)}, conn.UserID())
	return nil
}

func (r *Router) requireMember(ctx context.Context, user, room uuid.UUID) error {
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	ok, err := r.store.IsMember(sctx, user, room)
	if err != nil {
		return fmt.Errorf("%w: membership check: %v", ErrPersistenceUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNotAMember, room)
	}
	return nil
}

func (r *Router) roomUser(conn *Conn, room uuid.UUID) RoomUserPayload {
	return RoomUserPayload{RoomID: room, UserID: conn.UserID(), DisplayName: conn.DisplayName()}
}

// metricKind names the event type label for a rejected frame. Frames refused
// before decoding have no kind of their own.
func metricKind(kind Kind, err error) string {
	switch {
	case kind != "":
		return string(kind)
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "malformed"
	}
}
