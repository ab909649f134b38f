package realtime

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(zap.NewNop())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Stopped()
	})
	return h, cancel
}

func register(t *testing.T, h *Hub, user uuid.UUID) *Conn {
	t.Helper()
	c := testConn(user)
	_, err := h.Register(c)
	require.NoError(t, err)
	return c
}

func TestHub_RegisterReportsFirstHandle(t *testing.T) {
	h, _ := startHub(t)
	user := uuid.New()

	first, err := h.Register(testConn(user))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = h.Register(testConn(user))
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, Stats{Connections: 2, OnlineUsers: 1}, h.Stats())
}

func TestHub_JoinRequiresRegisteredConn(t *testing.T) {
	h, _ := startHub(t)
	_, err := h.Join(testConn(uuid.New()), uuid.New())
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestHub_SubscribeRequiresOnlineUser(t *testing.T) {
	h, _ := startHub(t)
	room, ghost := uuid.New(), uuid.New()

	assert.ErrorIs(t, h.Subscribe(room, ghost), ErrConnClosed)
	assert.Empty(t, h.SubscribersOf(room))

	c := register(t, h, ghost)
	require.NoError(t, h.Subscribe(room, ghost))
	assert.Equal(t, []uuid.UUID{ghost}, h.SubscribersOf(room))

	h.Teardown(c)
	assert.Empty(t, h.SubscribersOf(room))
	assert.ErrorIs(t, h.Subscribe(room, ghost), ErrConnClosed)
}

func TestHub_DeregisterLastHandleDropsSubscriptions(t *testing.T) {
	h, _ := startHub(t)
	user := uuid.New()
	c1, c2 := register(t, h, user), register(t, h, user)
	r1, r2 := uuid.New(), uuid.New()
	_, err := h.Join(c1, r1)
	require.NoError(t, err)
	require.NoError(t, h.Subscribe(r2, user))

	assert.False(t, h.Deregister(c1))
	assert.Empty(t, h.SubscribersOf(r1), "c1 was the only connection in r1")
	assert.Equal(t, []uuid.UUID{user}, h.SubscribersOf(r2))

	assert.True(t, h.Deregister(c2))
	assert.Empty(t, h.SubscribersOf(r2))
	assert.Equal(t, Stats{}, h.Stats())
}

func TestHub_UnsubscribeReportsMembership(t *testing.T) {
	h, _ := startHub(t)
	room := uuid.New()
	c := register(t, h, uuid.New())
	_, err := h.Join(c, room)
	require.NoError(t, err)

	assert.True(t, h.Unsubscribe(room, c.UserID()))
	assert.False(t, h.Unsubscribe(room, c.UserID()))
	assert.Empty(t, h.SubscribersOf(room))

	// The connection's join went with the subscription.
	assert.False(t, h.Leave(c, room))
}

func TestHub_TeardownLastHandle(t *testing.T) {
	h, _ := startHub(t)
	user := uuid.New()
	c1, c2 := register(t, h, user), register(t, h, user)
	r1, r2, r3 := uuid.New(), uuid.New(), uuid.New()

	_, err := h.Join(c1, r1)
	require.NoError(t, err)
	_, err = h.Join(c2, r2)
	require.NoError(t, err)
	require.NoError(t, h.Subscribe(r3, user))

	vacated, last := h.Teardown(c1)
	assert.Equal(t, []uuid.UUID{r1}, vacated)
	assert.False(t, last)
	assert.True(t, h.IsOnline(user))

	vacated, last = h.Teardown(c2)
	assert.ElementsMatch(t, []uuid.UUID{r2, r3}, vacated)
	assert.True(t, last)
	assert.False(t, h.IsOnline(user))
	assert.Equal(t, Stats{}, h.Stats())
}

func TestHub_RoomTargetsExcludeUser(t *testing.T) {
	h, _ := startHub(t)
	room := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	a := register(t, h, alice)
	b1, b2 := register(t, h, bob), register(t, h, bob)

	_, _ = h.Join(a, room)
	_, _ = h.Join(b1, room)

	assert.Equal(t, []*Conn{b1}, h.roomTargets(room, alice))
	assert.ElementsMatch(t, []*Conn{a, b1}, h.roomTargets(room, uuid.Nil))
	assert.ElementsMatch(t, []*Conn{b1, b2}, h.allTargets(alice))

	// A direct subscription reaches every handle.
	h.Leave(b1, room)
	require.NoError(t, h.Subscribe(room, bob))
	assert.ElementsMatch(t, []*Conn{b1, b2}, h.roomTargets(room, alice))
}

func TestHub_StopKillsConnections(t *testing.T) {
	h, cancel := startHub(t)
	c := register(t, h, uuid.New())

	cancel()
	<-h.Stopped()

	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrHubStopped)
	_, err := h.Register(testConn(uuid.New()))
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.Empty(t, h.OnlineUserIDs())
}

// A user whose last handle is torn down is left in no room, whatever
// sequence of joins and leaves came before.
func TestHub_NoOrphanSubscriptions(t *testing.T) {
	h, _ := startHub(t)
	rng := rand.New(rand.NewSource(7))

	users := make([]uuid.UUID, 4)
	for i := range users {
		users[i] = uuid.New()
	}
	rooms := make([]uuid.UUID, 3)
	for i := range rooms {
		rooms[i] = uuid.New()
	}
	var live []*Conn

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(10); {
		case op < 3 || len(live) == 0:
			live = append(live, register(t, h, users[rng.Intn(len(users))]))
		case op < 6:
			_, err := h.Join(live[rng.Intn(len(live))], rooms[rng.Intn(len(rooms))])
			require.NoError(t, err)
		case op < 7:
			require.NoError(t, h.Subscribe(rooms[rng.Intn(len(rooms))], live[rng.Intn(len(live))].UserID()))
		case op < 8:
			h.Leave(live[rng.Intn(len(live))], rooms[rng.Intn(len(rooms))])
		default:
			i := rng.Intn(len(live))
			c := live[i]
			live = append(live[:i], live[i+1:]...)

			_, last := h.Teardown(c)
			require.Equal(t, !h.IsOnline(c.UserID()), last, "step %d", step)
			if last {
				for _, room := range rooms {
					require.NotContains(t, h.SubscribersOf(room), c.UserID(), "step %d", step)
				}
			}
		}
	}

	for _, c := range live {
		h.Teardown(c)
	}
	assert.Equal(t, Stats{}, h.Stats())
}
