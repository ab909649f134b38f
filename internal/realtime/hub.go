// Package realtime is the live side of the chat service: it tracks who is
// connected, which rooms each connection has opened, and fans events out to
// the right set of live connections.
//
// All registry state lives on one goroutine, the Hub. Other goroutines never
// touch the maps directly; they hand the Hub a closure and wait for it to run.
// That keeps the session registry and the subscription table consistent with
// each other without any lock ordering between them.
package realtime

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hub owns the Session Registry and the Room Subscription Table.
type Hub struct {
	sessions *Sessions      // user -> live handles
	subs     *Subscriptions // room -> user -> joined handles

	// ops carries closures to the Run goroutine. It is unbuffered so a caller
	// knows its closure has been picked up before it waits for the result.
	ops     chan func()
	stopped chan struct{} // Closed when Run returns; exec gives up once it is

	log *zap.Logger
}

// NewHub creates a Hub. Run must be started before any other method is used.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		sessions: NewSessions(),
		subs:     NewSubscriptions(),
		ops:      make(chan func()),
		stopped:  make(chan struct{}),
		log:      log,
	}
}

// Run is the Hub's event loop. It blocks until ctx is cancelled, then kills
// every live connection so their Lifecycles unwind.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	// One closure at a time: nothing else ever reads or writes the maps, so
	// they need no mutex.
	for {
		select {
		case <-ctx.Done():
			// Kill only flags each connection; its own Lifecycle sees Done,
			// closes the socket with 1001 and returns ErrHubStopped.
			conns := h.sessions.All()
			for _, c := range conns {
				c.Kill(ErrHubStopped)
			}
			h.log.Info("hub stopped", zap.Int("connections_closed", len(conns)))
			return
		case op := <-h.ops:
			op()
		}
	}
}

// Stopped is closed once Run has returned.
func (h *Hub) Stopped() <-chan struct{} { return h.stopped }

// exec runs fn on the Hub goroutine and waits for it. It reports false if the
// Hub has stopped, in which case fn did not run.
func (h *Hub) exec(fn func()) bool {
	done := make(chan struct{})
	select {
	case h.ops <- func() { fn(); close(done) }:
		<-done
		return true
	case <-h.stopped:
		return false
	}
}

// Register adds conn to its user's session and reports whether it is the
// user's first live handle.
func (h *Hub) Register(conn *Conn) (first bool, err error) {
	ok := h.exec(func() {
		first = !h.sessions.IsOnline(conn.UserID())
		h.sessions.Register(conn)
	})
	if !ok {
		return false, ErrHubStopped
	}
	return first, nil
}

// Deregister removes conn and reports whether it was the user's last handle.
// It is Teardown without the list of vacated rooms: the connection's joins go
// with it, and a user left without handles is dropped from every room.
func (h *Hub) Deregister(conn *Conn) (last bool) {
	_, last = h.Teardown(conn)
	return last
}

// HandlesFor returns a snapshot of the user's live connections.
func (h *Hub) HandlesFor(user uuid.UUID) (out []*Conn) {
	h.exec(func() { out = h.sessions.HandlesFor(user) })
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(user uuid.UUID) (online bool) {
	h.exec(func() { online = h.sessions.IsOnline(user) })
	return online
}

// OnlineUserIDs returns a sorted snapshot of every online user.
func (h *Hub) OnlineUserIDs() (out []uuid.UUID) {
	out = []uuid.UUID{}
	h.exec(func() { out = h.sessions.OnlineUserIDs() })
	return out
}

// Subscribe adds user to room's subscriber set without a connection-level
// join, so every one of the user's handles receives the room. Only an online
// user can be subscribed: an offline user has no teardown that would ever
// remove the entry again, so Subscribe refuses with ErrConnClosed.
func (h *Hub) Subscribe(room, user uuid.UUID) (err error) {
	ok := h.exec(func() {
		if !h.sessions.IsOnline(user) {
			err = ErrConnClosed
			return
		}
		h.subs.Subscribe(room, user)
	})
	if !ok {
		return ErrHubStopped
	}
	return err
}

// Unsubscribe removes user from room, including every connection-level join,
// and reports whether the user was subscribed.
func (h *Hub) Unsubscribe(room, user uuid.UUID) (was bool) {
	h.exec(func() { was = h.subs.Unsubscribe(room, user) })
	return was
}

// UnsubscribeAll removes user from every room and returns the rooms affected.
func (h *Hub) UnsubscribeAll(user uuid.UUID) (rooms []uuid.UUID) {
	h.exec(func() { rooms = h.subs.UnsubscribeAll(user) })
	return rooms
}

// SubscribersOf returns the users subscribed to room.
func (h *Hub) SubscribersOf(room uuid.UUID) (out []uuid.UUID) {
	out = []uuid.UUID{}
	h.exec(func() { out = h.subs.SubscribersOf(room) })
	return out
}

// Join subscribes conn to room. It reports whether the user became newly
// subscribed. A connection that is no longer registered cannot join.
func (h *Hub) Join(conn *Conn, room uuid.UUID) (newly bool, err error) {
	ok := h.exec(func() {
		if _, live := h.sessions.owner[conn]; !live {
			err = ErrConnClosed
			return
		}
		newly = h.subs.Join(conn, room)
	})
	if !ok {
		return false, ErrHubStopped
	}
	return newly, err
}

// Leave drops conn's join of room and reports whether its user is no longer
// subscribed to it.
func (h *Hub) Leave(conn *Conn, room uuid.UUID) (vacated bool) {
	h.exec(func() { vacated = h.subs.Leave(conn, room) })
	return vacated
}

// Teardown removes every trace of conn in one step: its room joins, its
// session entry, and, when it was the user's last handle, any remaining
// subscription of the user. It returns the rooms the user no longer
// subscribes to and whether the user went offline.
func (h *Hub) Teardown(conn *Conn) (vacated []uuid.UUID, last bool) {
	h.exec(func() {
		vacated = h.subs.LeaveAll(conn)
		last = h.sessions.Deregister(conn)
		if last {
			vacated = append(vacated, h.subs.UnsubscribeAll(conn.UserID())...)
		}
	})
	return vacated, last
}

// roomTargets resolves the connections that should receive a room event.
func (h *Hub) roomTargets(room, exclude uuid.UUID) (out []*Conn) {
	h.exec(func() {
		// Joined connections get the room; a user subscribed without any
		// join (Subscribe) gets it on every handle.
		for user, conns := range h.subs.Targets(room) {
			if user == exclude {
				continue
			}
			if len(conns) == 0 {
				conns = h.sessions.HandlesFor(user)
			}
			out = append(out, conns...)
		}
	})
	return out
}

// allTargets returns every live connection except those of exclude.
func (h *Hub) allTargets(exclude uuid.UUID) (out []*Conn) {
	h.exec(func() {
		for _, c := range h.sessions.All() {
			if c.UserID() != exclude {
				out = append(out, c)
			}
		}
	})
	return out
}

// Stats is a point-in-time view of the Hub's size.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"online_users"`
	ActiveRooms int `json:"active_rooms"`
}

// Stats returns current counts.
func (h *Hub) Stats() (s Stats) {
	h.exec(func() {
		s = Stats{
			Connections: h.sessions.Len(),
			OnlineUsers: len(h.sessions.byUser),
			ActiveRooms: h.subs.Rooms(),
		}
	})
	return s
}
