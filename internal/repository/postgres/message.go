package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/echorelay/internal/models"
	"github.com/lalith-99/echorelay/internal/repository"
)

const messageColumns = `id, channel_id, sender_id, body, reply_to_id, reply_count, mentions, created_at, edited_at, deleted_at`

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.ChannelID,
		&msg.SenderID,
		&msg.Body,
		&msg.ReplyToID,
		&msg.ReplyCount,
		&msg.Mentions,
		&msg.CreatedAt,
		&msg.EditedAt,
		&msg.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if msg.Mentions == nil {
		msg.Mentions = []uuid.UUID{}
	}
	return &msg, nil
}

// Create inserts the message and, for replies, bumps the parent's
// reply_count in the same transaction so the counter never drifts from
// the rows that reference it.
func (s *MessageStore) Create(ctx context.Context, p repository.CreateMessageParams) (*models.Message, error) {
	mentions := p.Mentions
	if mentions == nil {
		mentions = []uuid.UUID{}
	}

	var msg *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The parent check and the counter bump are one UPDATE: a deleted
		// or foreign parent simply matches zero rows.
		if p.ReplyToID != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE messages
				SET reply_count = reply_count + 1
				WHERE id = $1 AND channel_id = $2 AND deleted_at IS NULL`,
				*p.ReplyToID, p.ChannelID)
			if err != nil {
				return fmt.Errorf("bump reply count: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return repository.ErrNotFound
			}
		}

		query := `
			INSERT INTO messages (channel_id, sender_id, body, reply_to_id, mentions, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			RETURNING ` + messageColumns

		created, err := scanMessage(tx.QueryRow(ctx, query, p.ChannelID, p.SenderID, p.Body, p.ReplyToID, mentions))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MessageStore) GetByID(ctx context.Context, messageID int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) UpdateBody(ctx context.Context, messageID int64, body string) (*models.Message, error) {
	query := `
		UPDATE messages
		SET body = $2, edited_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID, body))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// SoftDelete keeps the row (replies still point at it) and drops its
// reactions.
func (s *MessageStore) SoftDelete(ctx context.Context, messageID int64) (*models.Message, error) {
	var msg *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE messages
			SET deleted_at = now()
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING ` + messageColumns

		deleted, err := scanMessage(tx.QueryRow(ctx, query, messageID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("soft delete message: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM message_reactions WHERE message_id = $1`, messageID); err != nil {
			return fmt.Errorf("delete reactions: %w", err)
		}
		msg = deleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ToggleReaction deletes the (message, user, emoji) row if present and
// inserts it otherwise. The row lock on the message serializes concurrent
// toggles of the same message so two taps never both insert.
func (s *MessageStore) ToggleReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) (bool, error) {
	var removed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Why FOR UPDATE on the message row?
		//   - Two taps on the same emoji can arrive on two sockets at once.
		//     Without a lock both see "no row" and both insert, and the
		//     second hits the primary key.
		//   - Locking the parent message (not the reaction) also covers the
		//     case where no reaction row exists yet to lock.
		//   - It waits out a concurrent SoftDelete, so a reaction is never
		//     added to a message that was just deleted.
		var id int64
		err := tx.QueryRow(ctx, `
			SELECT id FROM messages
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE`, messageID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("lock message: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM message_reactions
			WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
			messageID, userID, emoji)
		if err != nil {
			return fmt.Errorf("delete reaction: %w", err)
		}
		if tag.RowsAffected() > 0 {
			removed = true
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
			VALUES ($1, $2, $3, now())`,
			messageID, userID, emoji)
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		removed = false
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}
