package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory persistence collaborator.
type fakeStore struct {
	mu          sync.Mutex
	members     map[uuid.UUID]map[uuid.UUID]bool // room -> user
	names       map[uuid.UUID]string
	messages    []StoredMessage
	createCalls int
	createErr   error
	memberErr   error
	listErr     error
	panicOnIs   bool

	// afterList runs once a history read has returned, outside the lock.
	afterList func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: make(map[uuid.UUID]map[uuid.UUID]bool),
		names:   make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) addMember(room, user uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[room] == nil {
		s.members[room] = make(map[uuid.UUID]bool)
	}
	s.members[room][user] = true
}

func (s *fakeStore) IsMember(_ context.Context, user, room uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnIs {
		panic("store exploded")
	}
	if s.memberErr != nil {
		return false, s.memberErr
	}
	return s.members[room][user], nil
}

func (s *fakeStore) CreateMessage(_ context.Context, user, room uuid.UUID, content string) (StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return StoredMessage{}, s.createErr
	}
	if !s.members[room][user] {
		return StoredMessage{}, ErrNotAMember
	}
	m := StoredMessage{
		ID:         uuid.New(),
		RoomID:     room,
		SenderID:   user,
		SenderName: s.names[user],
		Content:    content,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *fakeStore) ListRecentMessages(_ context.Context, room uuid.UUID, limit int) ([]StoredMessage, error) {
	out, hook, err := s.listRecent(room, limit)
	if hook != nil {
		hook()
	}
	return out, err
}

func (s *fakeStore) listRecent(room uuid.UUID, limit int) ([]StoredMessage, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.afterList, s.listErr
	}
	var out []StoredMessage
	for _, m := range s.messages {
		if m.RoomID == room {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, s.afterList, nil
}

// update mutates the store under its lock.
func (s *fakeStore) update(fn func(s *fakeStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeStore) stored() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredMessage(nil), s.messages...)
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

// fakeResolver maps tokens to identities.
type fakeResolver struct {
	mu  sync.Mutex
	ids map[string]Identity
}

func (r *fakeResolver) ResolveIdentity(_ context.Context, credential string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[credential]
	if !ok {
		return Identity{}, ErrAuthRejected
	}
	return id, nil
}

type outFrame struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// fakeTransport is a Transport driven by the test.
type fakeTransport struct {
	in     chan []byte
	out    chan outFrame
	closed chan struct{}

	once      sync.Once
	mu        sync.Mutex
	closeCode int
	writeGate chan struct{} // when non-nil, each write waits for a token
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan outFrame, 1024),
		closed: make(chan struct{}),
	}
}

var errTransportClosed = errors.New("transport closed")

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case raw, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteFrame(payload []byte) error {
	if t.writeGate != nil {
		select {
		case <-t.writeGate:
		case <-t.closed:
			return errTransportClosed
		}
	}
	var f outFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	select {
	case t.out <- f:
		return nil
	case <-t.closed:
		return errTransportClosed
	}
}

func (t *fakeTransport) Ping() error { return nil }

func (t *fakeTransport) Close(code int, _ string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) code() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// closedWith waits for the server to close the transport and returns the code.
func (t *fakeTransport) closedWith(tb testing.TB) int {
	tb.Helper()
	select {
	case <-t.closed:
		return t.code()
	case <-time.After(waitFor):
		tb.Fatal("timed out waiting for transport close")
		return 0
	}
}

// hangUp simulates the peer dropping the connection.
func (t *fakeTransport) hangUp() { close(t.in) }

func (t *fakeTransport) send(tb testing.TB, kind Kind, data any) {
	tb.Helper()
	raw, err := json.Marshal(map[string]any{"type": kind, "data": data})
	require.NoError(tb, err)
	t.in <- raw
}

const waitFor = 2 * time.Second

// next returns the next frame of the given kind, skipping others.
func (t *fakeTransport) next(tb testing.TB, kind Kind) outFrame {
	tb.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f := <-t.out:
			if f.Type == kind {
				return f
			}
		case <-deadline:
			tb.Fatalf("timed out waiting for %q frame", kind)
			return outFrame{}
		}
	}
}

// none asserts no frame of kind arrives within d.
func (t *fakeTransport) none(tb testing.TB, kind Kind, d time.Duration) {
	tb.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-t.out:
			if f.Type == kind {
				tb.Fatalf("unexpected %q frame: %s", kind, f.Data)
			}
		case <-deadline:
			return
		}
	}
}

func decode[T any](tb testing.TB, f outFrame) T {
	tb.Helper()
	var v T
	require.NoError(tb, json.Unmarshal(f.Data, &v))
	return v
}

// testServer wires the whole core against fakes.
type testServer struct {
	hub       *Hub
	b         *Broadcaster
	presence  *Presence
	router    *Router
	lifecycle *Lifecycle
	store     *fakeStore
	resolver  *fakeResolver
	stop      context.CancelFunc
}

func newTestServer(t *testing.T, opts LifecycleOptions) *testServer {
	t.Helper()
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(log)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Stopped()
	})

	store := newFakeStore()
	resolver := &fakeResolver{ids: make(map[string]Identity)}
	b := NewBroadcaster(hub, nil, log, nil)
	p := NewPresence(hub, b, log, nil)
	r := NewRouter(hub, b, store, RouterOptions{MaxMessageLength: 20, HistoryLimit: 10}, log, nil)
	l := NewLifecycle(hub, b, p, r, resolver, opts, log, nil)

	return &testServer{hub: hub, b: b, presence: p, router: r, lifecycle: l, store: store, resolver: resolver, stop: cancel}
}

// addUser creates an identity with a login token.
func (s *testServer) addUser(name string) Identity {
	id := Identity{UserID: uuid.New(), DisplayName: name}
	s.resolver.mu.Lock()
	s.resolver.ids[name] = id
	s.resolver.mu.Unlock()
	s.store.mu.Lock()
	s.store.names[id.UserID] = name
	s.store.mu.Unlock()
	return id
}

type client struct {
	t    *fakeTransport
	done chan error
}

// connect opens a connection for the token's user and waits until it is active.
func (s *testServer) connect(tb testing.TB, token string) *client {
	tb.Helper()
	return s.connectGated(tb, token, nil)
}

// connectGated is connect with a write gate on the transport. One token is
// supplied for the initial presence frame.
func (s *testServer) connectGated(tb testing.TB, token string, gate chan struct{}) *client {
	tb.Helper()
	c := &client{t: newFakeTransport(), done: make(chan error, 1)}
	if gate != nil {
		c.t.writeGate = gate
		gate <- struct{}{}
	}
	go func() { c.done <- s.lifecycle.Serve(context.Background(), c.t, token) }()
	c.t.next(tb, KindPresence)
	return c
}

// join sends join_room and waits for the ack.
func (c *client) join(tb testing.TB, room uuid.UUID) JoinedRoomPayload {
	tb.Helper()
	c.t.send(tb, KindJoinRoom, map[string]string{"room_id": room.String()})
	return decode[JoinedRoomPayload](tb, c.t.next(tb, KindJoinedRoom))
}

// presence returns the next presence snapshot announcing user's status.
func (c *client) presence(tb testing.TB, user uuid.UUID, online bool) PresencePayload {
	tb.Helper()
	for {
		p := decode[PresencePayload](tb, c.t.next(tb, KindPresence))
		if p.UserID == user && p.Online == online {
			return p
		}
	}
}

func (c *client) wait(tb testing.TB) error {
	tb.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(waitFor):
		tb.Fatal("timed out waiting for Serve to return")
		return nil
	}
}
