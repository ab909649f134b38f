// Package models defines the structs that map to database tables.
// GORM uses these structs to generate SQL and to map rows back to Go values; the
// tables themselves are created by the SQL files under migrations/, not by AutoMigrate.
//
// The data model is small:
//   - Users log in with a username and password
//   - Rooms are named channels; durable membership lives in RoomMember
//   - Messages belong to a room and are written only by its members
package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"` // Login name, unique and case-sensitive
	DisplayName  string    `gorm:"not null" json:"display_name"`         // Shown next to messages and in presence lists
	PasswordHash string    `gorm:"not null" json:"-"`                    // bcrypt hash; never serialized
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Room is a named chat channel.
type Room struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	CreatedBy uuid.UUID `gorm:"type:uuid;not null" json:"created_by"` // The creator becomes the first member
	Creator   User      `gorm:"foreignKey:CreatedBy" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Members   []User    `gorm:"many2many:room_members;joinForeignKey:RoomID;joinReferences:UserID" json:"members,omitempty"`
}

// RoomMember is durable room membership. The composite primary key makes
// joining the same room twice a conflict rather than a duplicate row.
type RoomMember struct {
	RoomID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

// Message is one chat message. ID and CreatedAt are assigned by the database.
type Message struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	RoomID    uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_room_created,priority:1"`
	Room      Room      `gorm:"foreignKey:RoomID"`
	SenderID  uuid.UUID `gorm:"type:uuid;not null"`
	Sender    User      `gorm:"foreignKey:SenderID"`
	Content   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index:idx_messages_room_created,priority:2"`
}
