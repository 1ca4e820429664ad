package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// SessionService lists and revokes a user's login sessions. A session is
// the newest active refresh record of a lineage.
type SessionService struct {
	Store        store.Store
	Clock        func() time.Time
	StoreTimeout time.Duration
}

// ListActive returns the user's active sessions, newest first. The one
// holding presented is marked Current.
func (s *SessionService) ListActive(ctx context.Context, userID, presented string) ([]domain.Session, error) {
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()

	records, err := s.Store.RefreshTokens().ListActiveForUser(sctx, userID, nowFunc(s.Clock))
	if err != nil {
		return nil, storeFailure(fmt.Errorf("failed to list sessions: %w", err))
	}

	var currentHash string
	if presented != "" {
		currentHash = cryptox.FingerprintToken(presented)
	}

	sessions := make([]domain.Session, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, domain.Session{
			ID:        r.ID,
			SessionID: r.SessionID,
			IssuedAt:  r.IssuedAt,
			ExpiresAt: r.ExpiresAt,
			Device:    r.Device,
			Current:   currentHash != "" && cryptox.Equal(r.TokenHash, currentHash),
		})
	}
	return sessions, nil
}

// Revoke ends one of the user's sessions. Sessions that do not exist or
// belong to someone else yield ErrSessionNotFound.
func (s *SessionService) Revoke(ctx context.Context, userID, sessionID string) error {
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()

	now := nowFunc(s.Clock)
	records, err := s.Store.RefreshTokens().ListActiveForUser(sctx, userID, now)
	if err != nil {
		return storeFailure(fmt.Errorf("failed to list sessions: %w", err))
	}

	owned := false
	for _, r := range records {
		if r.SessionID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		return ErrSessionNotFound
	}

	if _, err := s.Store.RefreshTokens().RevokeSession(sctx, sessionID, now); err != nil {
		return storeFailure(fmt.Errorf("failed to revoke session: %w", err))
	}
	slogx.FromContext(ctx).Info("session revoked", "user_id", userID, "session_id", sessionID)
	return nil
}
