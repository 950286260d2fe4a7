package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/models"
)

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	TypeAuthenticate   = "authenticate"
	TypePing           = "ping"
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypeMessageSend    = "message_send"
	TypeMessageEdit    = "message_edit"
	TypeMessageDelete  = "message_delete"
	TypeReactionToggle = "reaction_toggle"
	TypeStatusUpdate   = "status_update"
)

// Outbound frame types.
const (
	TypeMessageNew       = "message_new"
	TypeMessageEdited    = "message_edit"
	TypeMessageDeleted   = "message_delete"
	TypeReactionAdd      = "reaction_add"
	TypeUserTyping       = "user_typing"
	TypeUserStatusUpdate = "user_status_update"
	TypeError            = "error"

	TypeAuthenticated = "authenticated"
	TypeJoined        = "joined"
	TypeLeft          = "left"
	TypePong          = "pong"
)

type authenticateRequest struct {
	Token string `json:"token"`
}

type roomRequest struct {
	Room string `json:"room"`
}

type typingRequest struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

type sendMessageRequest struct {
	ChannelID uuid.UUID   `json:"channel_id"`
	Content   string      `json:"content"`
	ReplyToID *int64      `json:"reply_to_id,omitempty"`
	Mentions  []uuid.UUID `json:"mentions,omitempty"`
}

type editMessageRequest struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type deleteMessageRequest struct {
	MessageID int64 `json:"message_id"`
}

type reactionRequest struct {
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type statusRequest struct {
	Status        models.PresenceStatus `json:"status"`
	StatusMessage *string               `json:"status_message,omitempty"`
	WorkspaceID   *uuid.UUID            `json:"workspace_id,omitempty"`
}

// OutboundEvent is one fanout action: what happened, which room hears
// about it, and the payload. It is built after persistence succeeds and
// consumed once by Fanout.Deliver.
type OutboundEvent struct {
	Type    string
	Room    RoomKey
	Payload any
}

type MessageDeletedPayload struct {
	MessageID int64     `json:"message_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

type ReactionPayload struct {
	MessageID int64     `json:"message_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	Removed   bool      `json:"removed"`
}

type TypingPayload struct {
	UserID    uuid.UUID `json:"user_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	IsTyping  bool      `json:"is_typing"`
}

type StatusPayload struct {
	UserID        uuid.UUID             `json:"user_id"`
	WorkspaceID   uuid.UUID             `json:"workspace_id"`
	Status        models.PresenceStatus `json:"status"`
	StatusMessage *string               `json:"status_message"`
	LastSeenAt    time.Time             `json:"last_seen_at"`
}

type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

type AuthenticatedPayload struct {
	ConnectionID ConnID    `json:"connection_id"`
	UserID       uuid.UUID `json:"user_id"`
	WorkspaceID  uuid.UUID `json:"workspace_id"`
	DisplayName  string    `json:"display_name"`
}

type JoinedPayload struct {
	Room     RoomKey                 `json:"room"`
	Presence []models.PresenceRecord `json:"presence,omitempty"`
}

type LeftPayload struct {
	Room RoomKey `json:"room"`
}

type outboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func encodeFrame(typ, requestID string, payload any) ([]byte, error) {
	return json.Marshal(outboundFrame{Type: typ, RequestID: requestID, Payload: payload})
}

func statusPayload(rec models.PresenceRecord) StatusPayload {
	return StatusPayload{
		UserID:        rec.UserID,
		WorkspaceID:   rec.WorkspaceID,
		Status:        rec.Status,
		StatusMessage: rec.StatusMessage,
		LastSeenAt:    rec.LastSeenAt,
	}
}
