package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names an event on the wire. Every frame is {"type": <Kind>, "data": {...}}.
type Kind string

// Inbound kinds, sent by clients.
const (
	KindMessage   Kind = "message"    // Post content to a room the sender belongs to
	KindJoinRoom  Kind = "join_room"  // Start receiving a room on this connection
	KindLeaveRoom Kind = "leave_room" // Stop receiving a room on this connection
	KindTyping    Kind = "typing"     // Tell the room the sender is typing; never stored
	KindPing      Kind = "ping"       // Application-level keepalive, answered with pong
)

// Outbound kinds, sent by the server. KindMessage and KindTyping are reused
// for the fanned-out versions of the inbound events.
const (
	KindJoinedRoom Kind = "joined_room" // Ack for join_room, carrying recent history
	KindLeftRoom   Kind = "left_room"   // Ack for leave_room, or notice of an eviction
	KindUserJoined Kind = "user_joined" // Another user started receiving the room
	KindUserLeft   Kind = "user_left"   // Another user stopped receiving the room
	KindPong       Kind = "pong"        // Reply to ping with the server time
	KindPresence   Kind = "presence"    // Snapshot of every online user
	KindError      Kind = "error"       // A rejected inbound event; sent to its sender only
)

// Identity is what the authentication collaborator resolves a credential to.
type Identity struct {
	UserID      uuid.UUID // Stable account id; the key for sessions and subscriptions
	DisplayName string    // Shown to other users in room events
}

// StoredMessage is a message as recorded by the persistence collaborator.
type StoredMessage struct {
	ID         uuid.UUID // Assigned by the database; clients use it to drop repeats
	RoomID     uuid.UUID
	SenderID   uuid.UUID
	SenderName string    // Display name of the sender at read time
	Content    string    // Already trimmed and length-checked
	CreatedAt  time.Time // Server clock, UTC
}

// Inbound is a decoded client frame. RoomID is uuid.Nil for kinds that carry no room.
type Inbound struct {
	Kind    Kind
	RoomID  uuid.UUID
	Content string
}

// frame is the raw envelope. Data stays undecoded until the kind is known.
type frame struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// inboundData is the union of every inbound payload; each kind reads the
// fields it needs and ignores the rest.
type inboundData struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// DecodeInbound parses a raw client frame. Unknown kinds and missing or
// malformed room ids fail with ErrValidationFailed.
func DecodeInbound(raw []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Inbound{}, fmt.Errorf("%w: malformed frame: %v", ErrValidationFailed, err)
	}

	var data inboundData
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return Inbound{Kind: f.Type}, fmt.Errorf("%w: malformed data: %v", ErrValidationFailed, err)
		}
	}

	in := Inbound{Kind: f.Type, Content: data.Content}
	switch f.Type {
	case KindPing:
		return in, nil
	case KindMessage, KindJoinRoom, KindLeaveRoom, KindTyping:
		roomID, err := uuid.Parse(data.RoomID)
		if err != nil || roomID == uuid.Nil {
			return in, fmt.Errorf("%w: %s requires a room_id", ErrValidationFailed, f.Type)
		}
		in.RoomID = roomID
		return in, nil
	default:
		return in, fmt.Errorf("%w: unknown event type %q", ErrValidationFailed, f.Type)
	}
}

// Event is an outbound frame. Data is marshalled as the frame's "data" member.
type Event struct {
	Type Kind
	Data any
}

// MarshalJSON renders the event in the wire envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Kind `json:"type"`
		Data any  `json:"data,omitempty"`
	}{e.Type, e.Data})
}

// MessagePayload is a fully resolved chat message.
type MessagePayload struct {
	ID         uuid.UUID `json:"id"`
	RoomID     uuid.UUID `json:"room_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoomUserPayload identifies a user acting in a room: joined, left or typing.
type RoomUserPayload struct {
	RoomID      uuid.UUID `json:"room_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
}

// JoinedRoomPayload acknowledges a join and carries recent history, oldest first.
type JoinedRoomPayload struct {
	RoomID   uuid.UUID        `json:"room_id"`
	Messages []MessagePayload `json:"messages"`
}

// LeftRoomPayload acknowledges a leave.
type LeftRoomPayload struct {
	RoomID uuid.UUID `json:"room_id"`
}

// PresencePayload is a global online snapshot. Seq increases with every
// snapshot so clients can discard anything older than what they hold.
type PresencePayload struct {
	Seq     uint64      `json:"seq"`
	UserIDs []uuid.UUID `json:"user_ids"`
	UserID  uuid.UUID   `json:"user_id"`
	Online  bool        `json:"online"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Time time.Time `json:"time"`
}

// ErrorPayload is sent only to the connection whose event failed.
type ErrorPayload struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Ref     Kind       `json:"ref,omitempty"`
	RoomID  *uuid.UUID `json:"room_id,omitempty"`
}

func messageFromStored(m StoredMessage) MessagePayload {
	return MessagePayload{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

func errorEvent(ref Kind, roomID uuid.UUID, err error) Event {
	p := ErrorPayload{Code: ErrorCode(err), Message: err.Error(), Ref: ref}
	if roomID != uuid.Nil {
		id := roomID
		p.RoomID = &id
	}
	return Event{Type: KindError, Data: p}
}
