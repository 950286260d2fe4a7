package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a person within a workspace (tenant).
//
// The real-time core only ever reads users: the display name is copied onto
// the connection when it authenticates and never written back.
type User struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Channel is a chat room within a workspace (like #general or #incident-123).
type Channel struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message in a channel.
//
// IDs are bigserial: higher ID = newer message.
// DeletedAt is set by a soft delete; the row stays so replies keep their parent.
type Message struct {
	ID         int64       `json:"id"`
	ChannelID  uuid.UUID   `json:"channel_id"`
	SenderID   uuid.UUID   `json:"sender_id"`
	Body       string      `json:"body"`
	ReplyToID  *int64      `json:"reply_to_id,omitempty"`
	ReplyCount int         `json:"reply_count"`
	Mentions   []uuid.UUID `json:"mentions"`
	CreatedAt  time.Time   `json:"created_at"`
	EditedAt   *time.Time  `json:"edited_at,omitempty"`
	DeletedAt  *time.Time  `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the message was soft-deleted.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Reaction is one user's emoji on one message. (message_id, user_id, emoji)
// is unique, which is what makes toggling well defined.
type Reaction struct {
	MessageID int64     `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// PresenceStatus is a user's availability within one workspace.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// PresenceRecord is the persisted presence snapshot for one
// (user, workspace) pair. It outlives any single connection.
//
// TypingChannelID is set exactly when IsTyping is true.
type PresenceRecord struct {
	UserID          uuid.UUID      `json:"user_id"`
	WorkspaceID     uuid.UUID      `json:"workspace_id"`
	Status          PresenceStatus `json:"status"`
	StatusMessage   *string        `json:"status_message,omitempty"`
	IsTyping        bool           `json:"is_typing"`
	TypingChannelID *uuid.UUID     `json:"typing_channel_id,omitempty"`
	TypingAt        time.Time      `json:"typing_at,omitzero"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
}

// ClearTyping resets the typing fields in place.
func (r *PresenceRecord) ClearTyping() {
	r.IsTyping = false
	r.TypingChannelID = nil
	r.TypingAt = time.Time{}
}
