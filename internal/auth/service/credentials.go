package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// CredentialService checks username and password pairs.
type CredentialService struct {
	Store        store.Store
	Hasher       *cryptox.PasswordHasher
	StoreTimeout time.Duration
}

// Verify returns the user when password matches. Unknown users, wrong
// passwords and disabled accounts all yield ErrInvalidCredentials, and an
// unknown user still pays for one hash verification.
func (s *CredentialService) Verify(ctx context.Context, username, password string) (domain.User, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		s.Hasher.VerifyDummy(password)
		return domain.User{}, ErrInvalidCredentials
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	user, err := s.Store.Users().GetUserByUsername(sctx, username)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.Hasher.VerifyDummy(password)
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, storeFailure(fmt.Errorf("failed to load user: %w", err))
	}

	if err := s.Hasher.Verify(password, user.PasswordHash); err != nil {
		if !errors.Is(err, cryptox.ErrPasswordMismatch) {
			slogx.FromContext(ctx).Error("stored password hash unusable", "user_id", user.ID, "error", err)
		}
		return domain.User{}, ErrInvalidCredentials
	}
	if user.Disabled() {
		slogx.FromContext(ctx).Info("login refused for disabled account", "user_id", user.ID)
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}
