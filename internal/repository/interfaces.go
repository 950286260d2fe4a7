package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/models"
)

// Every method takes ctx first: these are the external calls the real-time
// core awaits from inside a connection's goroutine, and a closed socket
// cancels them.
//
// Lookups return nil, nil when the row does not exist. Callers translate
// that into their own "not found".

// ErrNotFound is returned by writes whose target (a reply parent, a
// reacted-to message) does not exist or was deleted.
var ErrNotFound = errors.New("not found")

// ChannelRepository resolves channels. The core needs it to find which
// workspace a channel belongs to when a connection joins the channel room.
type ChannelRepository interface {
	GetByID(ctx context.Context, channelID uuid.UUID) (*models.Channel, error)
}

// MembershipRepository answers "may this user subscribe to this room".
type MembershipRepository interface {
	// IsMember checks if a user belongs to a channel. Hot path: every
	// channel join goes through it.
	IsMember(ctx context.Context, channelID uuid.UUID, userID uuid.UUID) (bool, error)

	// IsWorkspaceMember checks if a user belongs to a workspace (tenant).
	IsWorkspaceMember(ctx context.Context, workspaceID uuid.UUID, userID uuid.UUID) (bool, error)
}

// CreateMessageParams carries a new message. ReplyToID, when set, must point
// at a live message in the same channel; the store bumps its reply counter
// in the same transaction.
type CreateMessageParams struct {
	ChannelID uuid.UUID
	SenderID  uuid.UUID
	Body      string
	ReplyToID *int64
	Mentions  []uuid.UUID
}

// MessageRepository is the message persistence collaborator. The gateway
// calls it synchronously and only fans out after it returns successfully.
type MessageRepository interface {
	// Create persists a message and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, p CreateMessageParams) (*models.Message, error)

	// GetByID returns a message, including soft-deleted ones.
	GetByID(ctx context.Context, messageID int64) (*models.Message, error)

	// UpdateBody rewrites a live message's body and stamps EditedAt.
	// Returns nil, nil if the message is gone.
	UpdateBody(ctx context.Context, messageID int64, body string) (*models.Message, error)

	// SoftDelete stamps DeletedAt. Returns nil, nil if already gone.
	SoftDelete(ctx context.Context, messageID int64) (*models.Message, error)

	// ToggleReaction adds the reaction if absent and removes it if present.
	// removed reports which of the two happened.
	ToggleReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) (removed bool, err error)
}

// UserRepository handles user data.
type UserRepository interface {
	// GetByID returns a user by their ID, scoped to the tenant.
	GetByID(ctx context.Context, tenantID uuid.UUID, userID uuid.UUID) (*models.User, error)
}

// PresenceRepository persists presence snapshots keyed by (user, workspace).
// Writes are blind upserts; the in-process tracker serializes writers for
// the same key before calling Upsert.
type PresenceRepository interface {
	Upsert(ctx context.Context, rec models.PresenceRecord) error
	Get(ctx context.Context, workspaceID uuid.UUID, userID uuid.UUID) (*models.PresenceRecord, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.PresenceRecord, error)
}
