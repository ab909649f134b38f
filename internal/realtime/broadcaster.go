package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/metrics"
)

// Delivery is the outcome of one send attempt on one handle. Err is nil on success.
type Delivery struct {
	ConnID uuid.UUID
	UserID uuid.UUID
	Err    error
}

// OK reports whether the frame was accepted by the handle's send queue.
func (d Delivery) OK() bool { return d.Err == nil }

// DeliveryReport collects the per-handle outcomes of one fan-out.
type DeliveryReport struct {
	Deliveries []Delivery
}

// Delivered counts the successful attempts.
func (r DeliveryReport) Delivered() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.OK() {
			n++
		}
	}
	return n
}

// Failed returns the unsuccessful attempts.
func (r DeliveryReport) Failed() []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if !d.OK() {
			out = append(out, d)
		}
	}
	return out
}

// FailureHook is told about every handle that could not accept a frame.
type FailureHook func(conn *Conn, err error)

// KillOnFailure is the default FailureHook: it flags the connection dead so its
// Lifecycle tears it down.
func KillOnFailure(conn *Conn, err error) { conn.Kill(err) }

// Broadcaster delivers events to live connections. Each handle is attempted
// independently; a failure on one never stops delivery to the others and is
// never returned to the caller as an error. The Broadcaster reads the Hub but
// never mutates it: dead handles are reported through the FailureHook and
// cleaned up by their own Lifecycle.
type Broadcaster struct {
	hub       *Hub             // Resolves targets; read-only from here
	onFailure FailureHook      // Called for every handle that refused a frame
	log       *zap.Logger      // Receives one warning per failed handle
	metrics   *metrics.Metrics // Delivery counters; nil in most tests
}

// NewBroadcaster creates a Broadcaster. A nil hook defaults to KillOnFailure.
func NewBroadcaster(hub *Hub, hook FailureHook, log *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if hook == nil {
		hook = KillOnFailure
	}
	return &Broadcaster{hub: hub, onFailure: hook, log: log, metrics: m}
}

// SendToConn delivers to a single handle. Used for acks, pongs and errors.
func (b *Broadcaster) SendToConn(conn *Conn, ev Event) DeliveryReport {
	return b.deliver([]*Conn{conn}, ev)
}

// SendToUser delivers to every live handle of user.
func (b *Broadcaster) SendToUser(user uuid.UUID, ev Event) DeliveryReport {
	return b.deliver(b.hub.HandlesFor(user), ev)
}

// SendToRoom delivers to every subscriber of room except exclude. Pass
// uuid.Nil to exclude nobody. Only the connections that joined the room
// receive it.
func (b *Broadcaster) SendToRoom(room uuid.UUID, ev Event, exclude uuid.UUID) DeliveryReport {
	return b.deliver(b.hub.roomTargets(room, exclude), ev)
}

// BroadcastToAll delivers to every online user except exclude.
func (b *Broadcaster) BroadcastToAll(ev Event, exclude uuid.UUID) DeliveryReport {
	return b.deliver(b.hub.allTargets(exclude), ev)
}

// deliver encodes ev once and offers the same bytes to every target. Targets
// were resolved on the Hub goroutine, but enqueueing happens here, so a slow
// connection never holds up the Hub.
func (b *Broadcaster) deliver(conns []*Conn, ev Event) DeliveryReport {
	report := DeliveryReport{Deliveries: make([]Delivery, 0, len(conns))}
	if len(conns) == 0 {
		return report
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return report
	}

	// Each handle is its own attempt: an error is recorded and handed to the
	// hook, and the loop carries on with the next handle.
	for _, c := range conns {
		d := Delivery{ConnID: c.ID(), UserID: c.UserID()}
		if err := c.enqueue(payload); err != nil {
			d.Err = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
			b.log.Warn("delivery failed",
				zap.String("type", string(ev.Type)),
				zap.Stringer("conn_id", c.ID()),
				zap.Stringer("user_id", c.UserID()),
				zap.Error(err))
			b.onFailure(c, d.Err)
		}
		report.Deliveries = append(report.Deliveries, d)
	}

	b.metrics.Delivered(report.Delivered(), len(report.Deliveries)-report.Delivered())
	return report
}
