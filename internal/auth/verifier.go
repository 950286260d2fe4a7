package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalith-99/echorelay/internal/realtime"
	"github.com/lalith-99/echorelay/internal/repository"
)

// ErrUnknownUser means the token was valid but its user no longer exists.
var ErrUnknownUser = errors.New("unknown user")

// Verifier turns a bearer token into the identity a connection carries for
// its lifetime: claims give user, tenant and email; the display name comes
// from the user row.
type Verifier struct {
	secret string
	users  repository.UserRepository
}

func NewVerifier(secret string, users repository.UserRepository) *Verifier {
	return &Verifier{secret: secret, users: users}
}

func (v *Verifier) Authenticate(ctx context.Context, token string) (realtime.Identity, error) {
	claims, err := ParseToken(token, v.secret)
	if err != nil {
		return realtime.Identity{}, err
	}

	user, err := v.users.GetByID(ctx, claims.TenantID, claims.UserID)
	if err != nil {
		return realtime.Identity{}, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return realtime.Identity{}, ErrUnknownUser
	}

	return realtime.Identity{
		UserID:      user.ID,
		WorkspaceID: user.TenantID,
		Email:       claims.Email,
		DisplayName: user.DisplayName,
	}, nil
}
