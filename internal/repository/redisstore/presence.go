package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/models"
	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:"

// PresenceStore keeps one hash per workspace: field = user ID, value = the
// JSON-encoded PresenceRecord. A workspace snapshot is one HGETALL.
type PresenceStore struct {
	rdb *redis.Client
}

func NewPresenceStore(rdb *redis.Client) *PresenceStore {
	return &PresenceStore{rdb: rdb}
}

func presenceKey(workspaceID uuid.UUID) string {
	return presenceKeyPrefix + workspaceID.String()
}

func (s *PresenceStore) Upsert(ctx context.Context, rec models.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.rdb.HSet(ctx, presenceKey(rec.WorkspaceID), rec.UserID.String(), data).Err(); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *PresenceStore) Get(ctx context.Context, workspaceID uuid.UUID, userID uuid.UUID) (*models.PresenceRecord, error) {
	data, err := s.rdb.HGet(ctx, presenceKey(workspaceID), userID.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get presence: %w", err)
	}

	var rec models.PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return &rec, nil
}

// ListByWorkspace skips entries that no longer decode rather than failing
// the whole snapshot.
func (s *PresenceStore) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.PresenceRecord, error) {
	entries, err := s.rdb.HGetAll(ctx, presenceKey(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	records := make([]models.PresenceRecord, 0, len(entries))
	for _, raw := range entries {
		var rec models.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
