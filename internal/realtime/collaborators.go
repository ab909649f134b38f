package realtime

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence collaborator. internal/store implements it on Postgres.
type Store interface {
	// IsMember reports durable membership of user in room.
	IsMember(ctx context.Context, user, room uuid.UUID) (bool, error)

	// CreateMessage records a message and returns it with its server-assigned
	// id and timestamp. It fails with ErrNotAMember when user is not a member.
	CreateMessage(ctx context.Context, user, room uuid.UUID, content string) (StoredMessage, error)

	// ListRecentMessages returns up to limit of the newest messages in room,
	// oldest first.
	ListRecentMessages(ctx context.Context, room uuid.UUID, limit int) ([]StoredMessage, error)
}

// IdentityResolver is the authentication collaborator. internal/auth implements it.
type IdentityResolver interface {
	// ResolveIdentity exchanges a credential for a stable identity. Failures
	// wrap ErrAuthRejected.
	ResolveIdentity(ctx context.Context, credential string) (Identity, error)
}
