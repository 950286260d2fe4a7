package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/models"
	"github.com/lalith-99/echorelay/internal/repository"
	"go.uber.org/zap"
)

const (
	maxContentRunes       = 4000
	maxEmojiBytes         = 32
	maxMentions           = 50
	maxStatusMessageRunes = 140
)

func (g *Gateway) handleJoin(ctx context.Context, s *Session, requestID string, req roomRequest) error {
	room, err := ParseRoomKey(req.Room)
	if err != nil {
		return validationError("join: %v", err)
	}
	id := s.Identity()

	var channelWorkspace uuid.UUID
	if room.Kind == RoomChannel {
		ch, err := g.channels.GetByID(ctx, room.ID)
		if err != nil {
			return persistenceError(fmt.Errorf("get channel: %w", err), "could not load channel")
		}
		if ch == nil {
			return notFoundError("channel not found")
		}
		channelWorkspace = ch.TenantID
	}

	if err := g.rooms.Join(ctx, s.conn.ID(), id.UserID, room); err != nil {
		return err
	}
	if room.Kind == RoomChannel {
		s.channels[room.ID] = channelWorkspace
	}
	s.setState(StateJoined)

	payload := JoinedPayload{Room: room}
	if room.Kind == RoomWorkspace {
		snapshot, err := g.presence.Snapshot(ctx, room.ID)
		if err != nil {
			// The edge stays; the client can still receive live updates.
			s.logger.Warn("failed to load presence snapshot",
				zap.String("room", room.String()),
				zap.Error(err),
			)
		}
		payload.Presence = snapshot
	}
	g.fanout.SendTo(s.conn, TypeJoined, requestID, payload)
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, s *Session, requestID string, req roomRequest) error {
	room, err := ParseRoomKey(req.Room)
	if err != nil {
		return validationError("leave: %v", err)
	}
	g.rooms.Leave(s.conn.ID(), room)

	if room.Kind == RoomChannel {
		if ws, ok := s.channels[room.ID]; ok {
			delete(s.channels, room.ID)
			if err := g.presence.StopTypingIn(ctx, s.Identity().UserID, ws, room.ID); err != nil {
				s.logger.Warn("failed to stop typing on leave", zap.Error(err))
			}
		}
	}
	g.fanout.SendTo(s.conn, TypeLeft, requestID, LeftPayload{Room: room})
	return nil
}

func (g *Gateway) handleTyping(ctx context.Context, s *Session, req typingRequest, typing bool) error {
	ws, err := g.joinedChannel(s, req.ChannelID)
	if err != nil {
		return err
	}
	userID := s.Identity().UserID
	if !typing {
		return g.presence.StopTypingIn(ctx, userID, ws, req.ChannelID)
	}

	unlock := g.users.Lock(userID)
	defer unlock()
	if err := g.presence.StartTyping(ctx, userID, ws, req.ChannelID); err != nil {
		return err
	}
	g.setTypist(presenceKey{user: userID, workspace: ws}, s.conn.ID())
	s.typedIn[ws] = struct{}{}
	return nil
}

func (g *Gateway) handleSend(ctx context.Context, s *Session, req sendMessageRequest) error {
	ws, err := g.joinedChannel(s, req.ChannelID)
	if err != nil {
		return err
	}
	body, err := validateContent(req.Content)
	if err != nil {
		return err
	}
	if len(req.Mentions) > maxMentions {
		return validationError("at most %d mentions allowed", maxMentions)
	}

	if req.ReplyToID != nil {
		parent, err := g.messages.GetByID(ctx, *req.ReplyToID)
		if err != nil {
			return persistenceError(fmt.Errorf("get reply parent: %w", err), "could not load parent message")
		}
		if parent == nil || parent.IsDeleted() {
			return notFoundError("parent message not found")
		}
		if parent.ChannelID != req.ChannelID {
			return validationError("parent message is in another channel")
		}
	}

	id := s.Identity()
	msg, err := g.messages.Create(ctx, repository.CreateMessageParams{
		ChannelID: req.ChannelID,
		SenderID:  id.UserID,
		Body:      body,
		ReplyToID: req.ReplyToID,
		Mentions:  dedupeMentions(req.Mentions),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return notFoundError("parent message not found")
	}
	if err != nil {
		return persistenceError(fmt.Errorf("create message: %w", err), "could not save message")
	}

	n := g.fanout.Deliver(OutboundEvent{
		Type:    TypeMessageNew,
		Room:    ChannelRoom(req.ChannelID),
		Payload: msg,
	})
	s.logger.Debug("message sent",
		zap.Int64("message_id", msg.ID),
		zap.String("channel_id", req.ChannelID.String()),
		zap.Int("recipients", n),
	)

	// Sending ends the sender's typing indicator in that channel.
	if err := g.presence.StopTypingIn(ctx, id.UserID, ws, req.ChannelID); err != nil {
		s.logger.Warn("failed to stop typing after send", zap.Error(err))
	}
	return nil
}

func (g *Gateway) handleEdit(ctx context.Context, s *Session, req editMessageRequest) error {
	body, err := validateContent(req.Content)
	if err != nil {
		return err
	}
	if _, err := g.ownedMessage(ctx, s, req.MessageID); err != nil {
		return err
	}

	msg, err := g.messages.UpdateBody(ctx, req.MessageID, body)
	if err != nil {
		return persistenceError(fmt.Errorf("update message: %w", err), "could not save message")
	}
	if msg == nil {
		return notFoundError("message not found")
	}

	g.fanout.Deliver(OutboundEvent{
		Type:    TypeMessageEdited,
		Room:    ChannelRoom(msg.ChannelID),
		Payload: msg,
	})
	return nil
}

func (g *Gateway) handleDelete(ctx context.Context, s *Session, req deleteMessageRequest) error {
	if _, err := g.ownedMessage(ctx, s, req.MessageID); err != nil {
		return err
	}

	msg, err := g.messages.SoftDelete(ctx, req.MessageID)
	if err != nil {
		return persistenceError(fmt.Errorf("delete message: %w", err), "could not delete message")
	}
	if msg == nil || msg.DeletedAt == nil {
		return notFoundError("message not found")
	}

	g.fanout.Deliver(OutboundEvent{
		Type: TypeMessageDeleted,
		Room: ChannelRoom(msg.ChannelID),
		Payload: MessageDeletedPayload{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			DeletedAt: *msg.DeletedAt,
		},
	})
	return nil
}

func (g *Gateway) handleReaction(ctx context.Context, s *Session, req reactionRequest) error {
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" {
		return validationError("emoji is required")
	}
	if len(emoji) > maxEmojiBytes {
		return validationError("emoji is too long")
	}

	msg, err := g.liveMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if _, err := g.joinedChannel(s, msg.ChannelID); err != nil {
		return err
	}

	userID := s.Identity().UserID
	removed, err := g.messages.ToggleReaction(ctx, msg.ID, userID, emoji)
	if errors.Is(err, repository.ErrNotFound) {
		return notFoundError("message not found")
	}
	if err != nil {
		return persistenceError(fmt.Errorf("toggle reaction: %w", err), "could not save reaction")
	}

	g.fanout.Deliver(OutboundEvent{
		Type: TypeReactionAdd,
		Room: ChannelRoom(msg.ChannelID),
		Payload: ReactionPayload{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			UserID:    userID,
			Emoji:     emoji,
			Removed:   removed,
		},
	})
	return nil
}

func (g *Gateway) handleStatus(ctx context.Context, s *Session, req statusRequest) error {
	if !req.Status.Valid() {
		return validationError("invalid status %q", req.Status)
	}
	if req.StatusMessage != nil && utf8.RuneCountInString(*req.StatusMessage) > maxStatusMessageRunes {
		return validationError("status message exceeds %d characters", maxStatusMessageRunes)
	}

	id := s.Identity()
	ws := id.WorkspaceID
	if req.WorkspaceID != nil && *req.WorkspaceID != id.WorkspaceID {
		if !g.rooms.IsJoined(s.conn.ID(), WorkspaceRoom(*req.WorkspaceID)) {
			return deniedError("join the workspace before setting status there")
		}
		ws = *req.WorkspaceID
	}

	_, err := g.presence.SetStatus(ctx, id.UserID, ws, req.Status, req.StatusMessage)
	return err
}

// joinedChannel returns the workspace of a channel this connection has
// joined, or authorization_denied.
func (g *Gateway) joinedChannel(s *Session, channelID uuid.UUID) (uuid.UUID, error) {
	if channelID == uuid.Nil {
		return uuid.Nil, validationError("channel_id is required")
	}
	ws, ok := s.channels[channelID]
	if !ok || !g.rooms.IsJoined(s.conn.ID(), ChannelRoom(channelID)) {
		return uuid.Nil, deniedError("join the channel first")
	}
	return ws, nil
}

func (g *Gateway) liveMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	if messageID <= 0 {
		return nil, validationError("message_id is required")
	}
	msg, err := g.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, persistenceError(fmt.Errorf("get message: %w", err), "could not load message")
	}
	if msg == nil || msg.IsDeleted() {
		return nil, notFoundError("message not found")
	}
	return msg, nil
}

// ownedMessage loads a live message the session's user sent, in a channel
// the connection has joined.
func (g *Gateway) ownedMessage(ctx context.Context, s *Session, messageID int64) (*models.Message, error) {
	msg, err := g.liveMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := g.joinedChannel(s, msg.ChannelID); err != nil {
		return nil, err
	}
	if msg.SenderID != s.Identity().UserID {
		return nil, deniedError("only the sender can change this message")
	}
	return msg, nil
}

func validateContent(content string) (string, error) {
	body := strings.TrimSpace(content)
	if body == "" {
		return "", validationError("content is required")
	}
	if utf8.RuneCountInString(body) > maxContentRunes {
		return "", validationError("content exceeds %d characters", maxContentRunes)
	}
	return body, nil
}

func dedupeMentions(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
