package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MembershipStore struct {
	pool *pgxpool.Pool
}

func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

func (s *MembershipStore) IsMember(ctx context.Context, channelID uuid.UUID, userID uuid.UUID) (bool, error) {
	// Why EXISTS instead of COUNT(*)?
	//   - EXISTS stops at the first matching row; COUNT scans them all.
	//   - The answer we need is yes/no, and this runs on every channel
	//     join, so the primary key lookup is all it should cost.
	query := `
		SELECT EXISTS (
			SELECT 1 FROM channel_members
			WHERE channel_id = $1 AND user_id = $2
		)`

	var exists bool
	err := s.pool.QueryRow(ctx, query, channelID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// IsWorkspaceMember reports whether the user belongs to the tenant.
// A user row belongs to exactly one tenant.
func (s *MembershipStore) IsWorkspaceMember(ctx context.Context, workspaceID uuid.UUID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM users
			WHERE id = $1 AND tenant_id = $2
		)`

	var exists bool
	err := s.pool.QueryRow(ctx, query, userID, workspaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workspace membership: %w", err)
	}
	return exists, nil
}
