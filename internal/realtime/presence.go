package realtime

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/metrics"
)

// Presence derives global online status from the Hub and pushes a snapshot to
// every online connection whenever a user comes or goes.
//
// The snapshot is taken and enqueued under one lock, and Seq grows with each
// snapshot. Connection queues are FIFO, so every connection sees snapshots in
// the order they were taken.
type Presence struct {
	hub *Hub
	b   *Broadcaster

	mu  sync.Mutex
	seq uint64

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewPresence creates a tracker publishing through b.
func NewPresence(hub *Hub, b *Broadcaster, log *zap.Logger, m *metrics.Metrics) *Presence {
	return &Presence{hub: hub, b: b, log: log, metrics: m}
}

// NotifyUserConnected is called after the user's first handle was registered.
func (p *Presence) NotifyUserConnected(user uuid.UUID) DeliveryReport {
	return p.publish(user)
}

// NotifyUserDisconnected is called after the user's last handle was deregistered.
func (p *Presence) NotifyUserDisconnected(user uuid.UUID) DeliveryReport {
	return p.publish(user)
}

// Snapshot sends the current online set to conn alone without advancing Seq.
// A user's second and later handles get this instead of a broadcast.
func (p *Presence) Snapshot(conn *Conn) DeliveryReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.b.SendToConn(conn, Event{
		Type: KindPresence,
		Data: PresencePayload{Seq: p.seq, UserIDs: p.hub.OnlineUserIDs(), UserID: conn.UserID(), Online: true},
	})
}

// publish broadcasts the next snapshot. Online is read from the snapshot
// itself rather than from the caller: a user who reconnects between Teardown
// and NotifyUserDisconnected is reported online, matching UserIDs.
func (p *Presence) publish(user uuid.UUID) DeliveryReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.hub.OnlineUserIDs()
	online := slices.Contains(ids, user)
	p.seq++
	p.metrics.SetOnlineUsers(len(ids))
	p.log.Debug("presence changed",
		zap.Stringer("user_id", user),
		zap.Bool("online", online),
		zap.Int("online_users", len(ids)),
		zap.Uint64("seq", p.seq))

	return p.b.BroadcastToAll(Event{
		Type: KindPresence,
		Data: PresencePayload{Seq: p.seq, UserIDs: ids, UserID: user, Online: online},
	}, uuid.Nil)
}
