package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Close codes used when the server ends a connection. The 1xxx values come
// from RFC 6455; the 4xxx range is reserved for applications, and clients
// treat 4001 as "log in again".
const (
	CloseNormal          = 1000 // The peer hung up, or the server context ended
	CloseGoingAway       = 1001 // The server is shutting down
	ClosePolicyViolation = 1008 // The connection could not keep up with its send queue
	CloseInternalError   = 1011 // The event loop panicked
	CloseUnauthorized    = 4001 // The credential was missing or rejected
)

// Transport is one ordered, reliable, bidirectional frame stream. The
// websocket adapter in internal/websocket is the production implementation;
// tests drive an in-memory one.
//
// ReadFrame is only called from the connection's read loop and WriteFrame and
// Ping only from its write pump. Close may be called from any goroutine, any
// number of times, and must unblock a pending ReadFrame.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Ping() error
	Close(code int, reason string) error
}

// State is a connection's position in the protocol state machine.
type State int32

const (
	StateConnecting    State = iota // Transport accepted, identity not resolved yet
	StateAuthenticated              // Identity resolved, not yet registered with the Hub
	StateActive                     // Registered; inbound events are routed
	StateClosed                     // Torn down; nothing may be sent any more
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the handle for one live connection. It is owned by exactly one
// Lifecycle and referenced everywhere else by pointer identity.
type Conn struct {
	id     uuid.UUID // Unique per handle, so two tabs of one user are told apart
	userID uuid.UUID // The authenticated owner; set once by authenticate
	name   string    // The owner's display name, copied into room events

	// send is the bounded outbound queue. Broadcasters put encoded frames here
	// without blocking and the write pump drains it onto the transport.
	send  chan []byte
	done  chan struct{} // Closed by Kill; every goroutine of the connection watches it
	state atomic.Int32  // Holds a State; atomic because readers run on other goroutines

	killOnce sync.Once  // Makes Kill idempotent so the first cause wins
	mu       sync.Mutex // Guards cause
	cause    error      // Why the connection was killed; nil while alive
}

func newConn(buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		id:   uuid.New(),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// authenticate binds the resolved identity. Called once, before the Conn is
// shared with any other goroutine.
func (c *Conn) authenticate(id Identity) {
	c.userID = id.UserID
	c.name = id.DisplayName
	c.setState(StateAuthenticated)
}

// ID is the connection's own identifier, unique per handle.
func (c *Conn) ID() uuid.UUID { return c.id }

// UserID is the authenticated owner. Immutable once the connection is registered.
func (c *Conn) UserID() uuid.UUID { return c.userID }

// DisplayName is the owner's display name as resolved at authentication.
func (c *Conn) DisplayName() string { return c.name }

// State reports the current protocol state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Done is closed once the connection has been killed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Kill flags the connection for teardown. The first cause wins; later calls
// are no-ops. Kill never blocks and never touches the registries: the owning
// Lifecycle observes Done and performs cleanup.
func (c *Conn) Kill(cause error) {
	c.killOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.done)
	})
}

// Err returns the cause passed to Kill, or nil while the connection is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// enqueue hands a frame to the write pump without blocking. A full queue means
// the consumer is too slow or dead.
func (c *Conn) enqueue(payload []byte) error {
	// Check done on its own first: a select with several ready cases picks one
	// at random, and a dead connection must never accept another frame.
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	// The default case makes the send non-blocking. If the buffer is full the
	// frame is refused instead of stalling the broadcaster.
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return errSendQueueFull
	}
}

var errSendQueueFull = errors.New("send queue full")

// writePump drains the send queue onto the transport and keeps the peer alive
// with pings. It exits when the connection is killed or a write fails.
func (c *Conn) writePump(t Transport, pingPeriod time.Duration, log *zap.Logger) {
	// A nil channel blocks forever in a select, so leaving tick nil turns
	// keepalive pings off without a separate code path.
	var tick <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := t.WriteFrame(payload); err != nil {
				log.Debug("write failed", zap.Stringer("conn_id", c.id), zap.Error(err))
				c.Kill(err)
				return
			}
		case <-tick:
			if err := t.Ping(); err != nil {
				log.Debug("ping failed", zap.Stringer("conn_id", c.id), zap.Error(err))
				c.Kill(err)
				return
			}
		}
	}
}
