package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/idx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

type UserService struct {
	Store        store.Store
	Hasher       *cryptox.PasswordHasher
	Clock        func() time.Time
	StoreTimeout time.Duration
}

// ProfileUpdate changes the preferred name and, when NewPassword is set,
// the password. A password change needs CurrentPassword.
type ProfileUpdate struct {
	PreferredName   *string
	CurrentPassword string
	NewPassword     string
}

// Create registers a user with an argon2id hash of password.
func (s *UserService) Create(ctx context.Context, username, password, preferredName string) (domain.User, error) {
	username = NormalizeUsername(username)
	if err := validateUsername(username); err != nil {
		return domain.User{}, err
	}
	if err := validatePassword(password); err != nil {
		return domain.User{}, err
	}
	if err := validatePreferredName(preferredName); err != nil {
		return domain.User{}, err
	}

	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	now := nowFunc(s.Clock)
	user := domain.User{
		ID:            idx.NewAt(now).String(),
		Username:      username,
		PreferredName: preferredName,
		PasswordHash:  hash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	if err := s.Store.Users().CreateUser(sctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return domain.User{}, ErrUsernameTaken
		}
		return domain.User{}, storeFailure(fmt.Errorf("failed to create user: %w", err))
	}

	slogx.FromContext(ctx).Info("user registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Get fetches a user by id.
func (s *UserService) Get(ctx context.Context, userID string) (domain.User, error) {
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()

	user, err := s.Store.Users().GetUserByID(sctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrUnauthenticated
		}
		return domain.User{}, storeFailure(fmt.Errorf("failed to load user: %w", err))
	}
	return user, nil
}

// UpdateProfile applies upd and returns the updated user. Existing sessions
// survive a password change; callers wanting otherwise use logout/all.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (domain.User, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if upd.PreferredName == nil && upd.NewPassword == "" {
		return user, nil
	}

	var newHash string
	if upd.NewPassword != "" {
		if err := s.Hasher.Verify(upd.CurrentPassword, user.PasswordHash); err != nil {
			return domain.User{}, ErrInvalidCredentials
		}
		if err := validatePassword(upd.NewPassword); err != nil {
			return domain.User{}, err
		}
		if newHash, err = s.Hasher.Hash(upd.NewPassword); err != nil {
			return domain.User{}, fmt.Errorf("failed to hash password: %w", err)
		}
	}
	if upd.PreferredName != nil {
		if err := validatePreferredName(*upd.PreferredName); err != nil {
			return domain.User{}, err
		}
	}

	now := nowFunc(s.Clock)
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	err = s.Store.WithTx(sctx, func(tx store.Tx) error {
		if upd.PreferredName != nil {
			if err := tx.Users().UpdatePreferredName(sctx, user.ID, *upd.PreferredName, now); err != nil {
				return err
			}
			user.PreferredName = *upd.PreferredName
		}
		if newHash != "" {
			if err := tx.Users().UpdatePassword(sctx, user.ID, newHash, now); err != nil {
				return err
			}
			user.PasswordHash = newHash
		}
		return nil
	})
	if err != nil {
		return domain.User{}, storeFailure(fmt.Errorf("failed to update profile: %w", err))
	}
	user.UpdatedAt = now

	if newHash != "" {
		slogx.FromContext(ctx).Info("password changed", "user_id", user.ID)
	}
	return user, nil
}

// SetDisabled locks (disabled true) or unlocks the account named username.
// Unknown usernames yield ErrUserNotFound.
func (s *UserService) SetDisabled(ctx context.Context, username string, disabled bool) (domain.User, error) {
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()

	user, err := s.Store.Users().GetUserByUsername(sctx, NormalizeUsername(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, storeFailure(fmt.Errorf("failed to load user: %w", err))
	}

	now := nowFunc(s.Clock)
	user.DisabledAt = nil
	if disabled {
		user.DisabledAt = &now
	}
	if err := s.Store.Users().SetDisabled(sctx, user.ID, user.DisabledAt, now); err != nil {
		return domain.User{}, storeFailure(fmt.Errorf("failed to update account status: %w", err))
	}
	user.UpdatedAt = now

	slogx.FromContext(ctx).Info("account status changed", "user_id", user.ID, "disabled", disabled)
	return user, nil
}
