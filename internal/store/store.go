// Package store is the PostgreSQL persistence layer. It implements
// realtime.Store for the live chat path and the CRUD the REST handlers need.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trentd187/roomchat/internal/models"
	"github.com/trentd187/roomchat/internal/realtime"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a unique constraint rejected the write.
	ErrConflict = errors.New("already exists")
)

// Store wraps a GORM handle. The handle must be opened with TranslateError.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ realtime.Store = (*Store)(nil)

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

// --- Users ---

// CreateUser inserts an account. A taken username returns ErrConflict.
func (s *Store) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*models.User, error) {
	u := &models.User{Username: username, DisplayName: displayName, PasswordHash: passwordHash}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, translate(err)
	}
	return u, nil
}

// UserByUsername looks up an account for login.
func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// UserByID looks up an account by id.
func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// UsersByIDs returns the accounts for ids in no particular order. Unknown ids are skipped.
func (s *Store) UsersByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error) {
	users := []models.User{}
	if len(ids) == 0 {
		return users, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// --- Rooms ---

// CreateRoom inserts a room and makes its creator the first member.
func (s *Store) CreateRoom(ctx context.Context, name string, creator uuid.UUID) (*models.Room, error) {
	room := &models.Room{Name: name, CreatedBy: creator}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(room).Error; err != nil {
			return err
		}
		return tx.Create(&models.RoomMember{RoomID: room.ID, UserID: creator}).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return room, nil
}

// ListRooms returns every room with its members, oldest first.
func (s *Store) ListRooms(ctx context.Context) ([]models.Room, error) {
	rooms := []models.Room{}
	err := s.db.WithContext(ctx).
		Preload("Members").
		Order("created_at ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomByID returns a room with its members.
func (s *Store) RoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).Preload("Members").First(&room, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

// AddMember records durable membership. Joining twice is not an error. An
// unknown room or user returns ErrNotFound.
func (s *Store) AddMember(ctx context.Context, room, user uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.RoomMember{RoomID: room, UserID: user}).Error
	return translate(err)
}

// RemoveMember ends durable membership. It returns ErrNotFound when the user
// was not a member of the room.
func (s *Store) RemoveMember(ctx context.Context, room, user uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", room, user).
		Delete(&models.RoomMember{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsMember reports durable membership of user in room.
func (s *Store) IsMember(ctx context.Context, user, room uuid.UUID) (bool, error) {
	return isMember(s.db.WithContext(ctx), user, room)
}

func isMember(db *gorm.DB, user, room uuid.UUID) (bool, error) {
	var n int64
	err := db.Model(&models.RoomMember{}).
		Where("room_id = ? AND user_id = ?", room, user).
		Count(&n).Error
	return n > 0, err
}

// --- Messages ---

// CreateMessage checks membership and inserts the message in one transaction,
// so a membership revoked concurrently cannot slip a message in. The database
// assigns the id and timestamp.
func (s *Store) CreateMessage(ctx context.Context, user, room uuid.UUID, content string) (realtime.StoredMessage, error) {
	msg := models.Message{RoomID: room, SenderID: user, Content: content}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := isMember(tx, user, room)
		if err != nil {
			return err
		}
		if !ok {
			return realtime.ErrNotAMember
		}
		if err := tx.Omit(clause.Associations).Create(&msg).Error; err != nil {
			return err
		}
		return tx.First(&msg.Sender, "id = ?", user).Error
	})
	if err != nil {
		if errors.Is(err, realtime.ErrNotAMember) {
			return realtime.StoredMessage{}, err
		}
		return realtime.StoredMessage{}, translate(err)
	}
	return toStored(msg), nil
}

// ListRecentMessages returns up to limit of the newest messages in room, oldest first.
func (s *Store) ListRecentMessages(ctx context.Context, room uuid.UUID, limit int) ([]realtime.StoredMessage, error) {
	var rows []models.Message
	err := s.db.WithContext(ctx).
		Preload("Sender").
		Where("room_id = ?", room).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	slices.Reverse(rows)
	out := make([]realtime.StoredMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, toStored(m))
	}
	return out, nil
}

func toStored(m models.Message) realtime.StoredMessage {
	return realtime.StoredMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.Sender.DisplayName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}
