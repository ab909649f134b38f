package realtime

import (
	"sort"

	"github.com/google/uuid"
)

// Sessions maps each user to the set of their live connections. A user with
// two tabs open has two entries in their set.
//
// Sessions is not safe for concurrent use; the Hub goroutine owns it.
type Sessions struct {
	// byUser is user -> set of live handles. map[*Conn]struct{} is the usual Go
	// set: the empty struct takes no memory.
	byUser map[uuid.UUID]map[*Conn]struct{}
	// owner is the reverse index, handle -> user, so Deregister does not need
	// to search every user's set.
	owner map[*Conn]uuid.UUID
}

// NewSessions returns an empty registry.
func NewSessions() *Sessions {
	return &Sessions{
		byUser: make(map[uuid.UUID]map[*Conn]struct{}),
		owner:  make(map[*Conn]uuid.UUID),
	}
}

// Register adds conn to its user's session. Registering the same handle twice
// is a no-op. A handle never belongs to two sessions: if it was registered
// under another user it is moved.
func (s *Sessions) Register(conn *Conn) {
	user := conn.UserID()
	if prev, ok := s.owner[conn]; ok {
		if prev == user {
			return
		}
		s.remove(prev, conn)
	}

	set := s.byUser[user]
	if set == nil {
		set = make(map[*Conn]struct{})
		s.byUser[user] = set
	}
	set[conn] = struct{}{}
	s.owner[conn] = user
}

// Deregister removes conn and reports whether it was the user's last handle.
// Removing an unknown handle reports false.
func (s *Sessions) Deregister(conn *Conn) bool {
	user, ok := s.owner[conn]
	if !ok {
		return false
	}
	return s.remove(user, conn)
}

// remove drops conn from user's set and deletes the set once it is empty, so
// an offline user leaves no key behind.
func (s *Sessions) remove(user uuid.UUID, conn *Conn) bool {
	delete(s.owner, conn)
	set := s.byUser[user]
	delete(set, conn)
	if len(set) == 0 {
		delete(s.byUser, user)
		return true
	}
	return false
}

// HandlesFor returns a snapshot of the user's live connections, empty when offline.
func (s *Sessions) HandlesFor(user uuid.UUID) []*Conn {
	set := s.byUser[user]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (s *Sessions) IsOnline(user uuid.UUID) bool {
	return len(s.byUser[user]) > 0
}

// OnlineUserIDs returns every user with at least one connection, sorted.
func (s *Sessions) OnlineUserIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.byUser))
	for user := range s.byUser {
		out = append(out, user)
	}
	sortIDs(out)
	return out
}

// All returns every live connection.
func (s *Sessions) All() []*Conn {
	out := make([]*Conn, 0, len(s.owner))
	for c := range s.owner {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (s *Sessions) Len() int { return len(s.owner) }

// sortIDs orders ids by their string form. Map iteration order is random in
// Go, so anything built from a map is sorted before callers see it.
func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
