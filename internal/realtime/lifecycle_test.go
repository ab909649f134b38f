package realtime

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLifecycle_RejectsUnknownCredential(t *testing.T) {
	ts := newTestServer(t, LifecycleOptions{})
	tr := newFakeTransport()

	err := ts.lifecycle.Serve(context.Background(), tr, "nobody")

	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, CloseUnauthorized, tr.closedWith(t))
	assert.Zero(t, ts.hub.Stats().Connections)
}

func TestLifecycle_InitialPresenceListsOnlineUsers(t *testing.T) {
	ts := newTestServer(t, LifecycleOptions{})
	alice := ts.addUser("alice")
	bob := ts.addUser("bob")
	a := ts.connect(t, "alice")

	b := &client{t: newFakeTransport(), done: make(chan error, 1)}
	go func() { b.done <- ts.lifecycle.Serve(context.Background(), b.t, "bob") }()

	snap := decode[PresencePayload](t, b.t.next(t, KindPresence))
	assert.ElementsMatch(t, []uuid.UUID{alice.UserID, bob.UserID}, snap.UserIDs)

	other := a.presence(t, bob.UserID, true)
	assert.Equal(t, snap.Seq, other.Seq)
}

func TestLifecycle_AbruptDisconnectCleansUp(t *testing.T) {
	f := newRoom(t)
	alice := f.ts.connect(t, "alice")
	bob := f.ts.connect(t, "bob")
	alice.join(t, f.room)
	bob.join(t, f.room)

	alice.t.hangUp()
	require.NoError(t, alice.wait(t))

	left := decode[RoomUserPayload](t, bob.t.next(t, KindUserLeft))
	assert.Equal(t, f.alice.UserID, left.UserID)
	assert.Equal(t, f.room, left.RoomID)

	p := bob.presence(t, f.alice.UserID, false)
	assert.Equal(t, []uuid.UUID{f.bob.UserID}, p.UserIDs)

	assert.Equal(t, []uuid.UUID{f.bob.UserID}, f.ts.hub.SubscribersOf(f.room))
	assert.False(t, f.ts.hub.IsOnline(f.alice.UserID))
}

func TestLifecycle_SecondHandleKeepsUserOnline(t *testing.T) {
	f := newRoom(t)
	c1 := f.ts.connect(t, "alice")
	c2 := f.ts.connect(t, "alice")
	bob := f.ts.connect(t, "bob")
	c1.join(t, f.room)
	bob.join(t, f.room)

	c2.t.hangUp()
	require.NoError(t, c2.wait(t))

	bob.t.none(t, KindUserLeft, quiet)
	assert.True(t, f.ts.hub.IsOnline(f.alice.UserID))
	assert.Equal(t, 2, f.ts.hub.Stats().Connections)
}

func TestLifecycle_PanicTearsDownConnection(t *testing.T) {
	f := newRoom(t)
	alice := f.ts.connect(t, "alice")
	bob := f.ts.connect(t, "bob")
	f.ts.store.update(func(s *fakeStore) { s.panicOnIs = true })

	alice.t.send(t, KindJoinRoom, map[string]string{"room_id": f.room.String()})

	assert.ErrorIs(t, alice.wait(t), errPanic)
	assert.Equal(t, CloseInternalError, alice.t.closedWith(t))
	bob.presence(t, f.alice.UserID, false)
	assert.False(t, f.ts.hub.IsOnline(f.alice.UserID))
}

func TestLifecycle_SlowConsumerIsDisconnected(t *testing.T) {
	ts := newTestServer(t, LifecycleOptions{SendBuffer: 2})
	alice := ts.addUser("alice")
	ts.addUser("bob")
	bob := ts.connect(t, "bob")
	slow := ts.connectGated(t, "alice", make(chan struct{}, 1))

	failed := 0
	for i := 0; i < 5; i++ {
		failed += len(ts.b.SendToUser(alice.UserID, Event{Type: KindPong, Data: PongPayload{}}).Failed())
	}
	assert.Positive(t, failed)

	assert.Equal(t, ClosePolicyViolation, slow.t.closedWith(t))
	require.NoError(t, slow.wait(t))
	bob.presence(t, alice.UserID, false)
}

func TestLifecycle_RateLimit(t *testing.T) {
	ts := newTestServer(t, LifecycleOptions{RateLimit: rate.Limit(1), RateBurst: 2})
	ts.addUser("alice")
	alice := ts.connect(t, "alice")

	for i := 0; i < 4; i++ {
		alice.t.send(t, KindPing, nil)
	}

	e := errorFrom(t, alice)
	assert.Equal(t, CodeRateLimited, e.Code)
	assert.Empty(t, e.Ref)
}

func TestLifecycle_CancelledContextClosesNormally(t *testing.T) {
	ts := newTestServer(t, LifecycleOptions{})
	ts.addUser("alice")
	ctx, cancel := context.WithCancel(context.Background())

	c := &client{t: newFakeTransport(), done: make(chan error, 1)}
	go func() { c.done <- ts.lifecycle.Serve(ctx, c.t, "alice") }()
	c.t.next(t, KindPresence)

	cancel()
	require.NoError(t, c.wait(t))
	assert.Equal(t, CloseNormal, c.t.closedWith(t))
	assert.Zero(t, ts.hub.Stats().Connections)
}

func TestLifecycle_HubShutdown(t *testing.T) {
	ts := newTestServer(t, LifecycleOptions{})
	ts.addUser("alice")
	alice := ts.connect(t, "alice")

	ts.stop()

	assert.ErrorIs(t, alice.wait(t), ErrHubStopped)
	assert.Equal(t, CloseGoingAway, alice.t.closedWith(t))

	late := newFakeTransport()
	assert.ErrorIs(t, ts.lifecycle.Serve(context.Background(), late, "alice"), ErrHubStopped)
	assert.Equal(t, CloseGoingAway, late.closedWith(t))
}
