package realtime

import "github.com/google/uuid"

// Subscriptions tracks which users are receiving live events for which rooms.
// This is not durable membership: callers must check membership with the
// Store before subscribing.
//
// A user is subscribed to a room while at least one of their connections has
// joined it. The per-room entry keeps the joined connections so delivery only
// reaches the tabs that opened the room. A user subscribed directly through
// Subscribe, with no joined connection, receives on every handle.
//
// Subscriptions is not safe for concurrent use; the Hub goroutine owns it.
type Subscriptions struct {
	rooms  map[uuid.UUID]map[uuid.UUID]map[*Conn]struct{} // room -> user -> joined conns
	byUser map[uuid.UUID]map[uuid.UUID]struct{}           // user -> rooms
	joins  map[*Conn]map[uuid.UUID]struct{}               // conn -> rooms
}

// NewSubscriptions returns an empty table.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		rooms:  make(map[uuid.UUID]map[uuid.UUID]map[*Conn]struct{}),
		byUser: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		joins:  make(map[*Conn]map[uuid.UUID]struct{}),
	}
}

// Subscribe adds user to room's subscriber set. No-op if already subscribed.
func (s *Subscriptions) Subscribe(room, user uuid.UUID) {
	s.entry(room, user)
}

func (s *Subscriptions) entry(room, user uuid.UUID) map[*Conn]struct{} {
	users := s.rooms[room]
	if users == nil {
		users = make(map[uuid.UUID]map[*Conn]struct{})
		s.rooms[room] = users
	}
	conns := users[user]
	if conns == nil {
		conns = make(map[*Conn]struct{})
		users[user] = conns
	}
	rooms := s.byUser[user]
	if rooms == nil {
		rooms = make(map[uuid.UUID]struct{})
		s.byUser[user] = rooms
	}
	rooms[room] = struct{}{}
	return conns
}

// Unsubscribe removes user from room along with any connection-level joins.
// It reports whether the user was subscribed; absent users are a no-op.
func (s *Subscriptions) Unsubscribe(room, user uuid.UUID) bool {
	users := s.rooms[room]
	conns, ok := users[user]
	if !ok {
		return false
	}
	for c := range conns {
		s.dropJoin(c, room)
	}
	delete(users, user)
	if len(users) == 0 {
		delete(s.rooms, room)
	}
	if rooms := s.byUser[user]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(s.byUser, user)
		}
	}
	return true
}

// UnsubscribeAll removes user from every room and returns the rooms affected.
func (s *Subscriptions) UnsubscribeAll(user uuid.UUID) []uuid.UUID {
	rooms := s.byUser[user]
	out := make([]uuid.UUID, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	for _, room := range out {
		s.Unsubscribe(room, user)
	}
	sortIDs(out)
	return out
}

// SubscribersOf returns the users subscribed to room, sorted.
func (s *Subscriptions) SubscribersOf(room uuid.UUID) []uuid.UUID {
	users := s.rooms[room]
	out := make([]uuid.UUID, 0, len(users))
	for user := range users {
		out = append(out, user)
	}
	sortIDs(out)
	return out
}

// IsSubscribed reports whether user is subscribed to room.
func (s *Subscriptions) IsSubscribed(room, user uuid.UUID) bool {
	_, ok := s.rooms[room][user]
	return ok
}

// RoomsOf returns the rooms user is subscribed to, sorted.
func (s *Subscriptions) RoomsOf(user uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.byUser[user]))
	for room := range s.byUser[user] {
		out = append(out, room)
	}
	sortIDs(out)
	return out
}

// Join records that conn opened room and subscribes its user. It reports
// whether the user was not subscribed before.
func (s *Subscriptions) Join(conn *Conn, room uuid.UUID) bool {
	user := conn.UserID()
	newly := !s.IsSubscribed(room, user)
	s.entry(room, user)[conn] = struct{}{}

	rooms := s.joins[conn]
	if rooms == nil {
		rooms = make(map[uuid.UUID]struct{})
		s.joins[conn] = rooms
	}
	rooms[room] = struct{}{}
	return newly
}

// Joined reports whether conn itself has joined room.
func (s *Subscriptions) Joined(conn *Conn, room uuid.UUID) bool {
	_, ok := s.joins[conn][room]
	return ok
}

// Leave drops conn's join of room. When no other connection of the same user
// remains joined, the user is unsubscribed and Leave reports true.
func (s *Subscriptions) Leave(conn *Conn, room uuid.UUID) bool {
	if !s.Joined(conn, room) {
		return false
	}
	user := conn.UserID()
	s.dropJoin(conn, room)

	conns := s.rooms[room][user]
	delete(conns, conn)
	if len(conns) > 0 {
		return false
	}
	s.Unsubscribe(room, user)
	return true
}

// LeaveAll drops every join held by conn and returns the rooms its user no
// longer subscribes to as a result, sorted.
func (s *Subscriptions) LeaveAll(conn *Conn) []uuid.UUID {
	rooms := make([]uuid.UUID, 0, len(s.joins[conn]))
	for room := range s.joins[conn] {
		rooms = append(rooms, room)
	}
	vacated := make([]uuid.UUID, 0, len(rooms))
	for _, room := range rooms {
		if s.Leave(conn, room) {
			vacated = append(vacated, room)
		}
	}
	sortIDs(vacated)
	return vacated
}

// Targets returns, per subscribed user, the connections that joined room.
// An empty slice means the user is subscribed without connection-level joins.
func (s *Subscriptions) Targets(room uuid.UUID) map[uuid.UUID][]*Conn {
	users := s.rooms[room]
	out := make(map[uuid.UUID][]*Conn, len(users))
	for user, conns := range users {
		list := make([]*Conn, 0, len(conns))
		for c := range conns {
			list = append(list, c)
		}
		out[user] = list
	}
	return out
}

// Rooms returns the number of rooms with at least one subscriber.
func (s *Subscriptions) Rooms() int { return len(s.rooms) }

func (s *Subscriptions) dropJoin(conn *Conn, room uuid.UUID) {
	rooms := s.joins[conn]
	delete(rooms, room)
	if len(rooms) == 0 {
		delete(s.joins, conn)
	}
}
