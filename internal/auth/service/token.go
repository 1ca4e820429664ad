package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/idx"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// TokenService mints access tokens and owns the refresh token lifecycle.
type TokenService struct {
	Store  store.Store
	Keys   *jwtx.KeyManager
	Issuer string

	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	ChallengeTTL time.Duration

	Clock        func() time.Time
	StoreTimeout time.Duration

	// Reloader, when set, is asked to pick up keys from the store when a
	// token names a kid this instance has not seen. Reloads are spaced at
	// least ReloadInterval apart.
	Reloader       KeyReloader
	ReloadInterval time.Duration

	reloadMu   sync.Mutex
	lastReload time.Time
}

// KeyReloader refreshes signing keys from shared storage.
// KeyRotationService implements it.
type KeyReloader interface {
	Reload(ctx context.Context) (bool, error)
}

// DefaultKeyReloadInterval spaces reloads triggered by unknown kids.
const DefaultKeyReloadInterval = 10 * time.Second

func (s *TokenService) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return jwtx.DefaultAccessTokenTTL
}

func (s *TokenService) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return jwtx.DefaultRefreshTokenTTL
}

func (s *TokenService) challengeTTL() time.Duration {
	if s.ChallengeTTL > 0 {
		return s.ChallengeTTL
	}
	return jwtx.DefaultChallengeTTL
}

// IssueAccessToken signs an access token for user in session sessionID.
func (s *TokenService) IssueAccessToken(user domain.User, sessionID string, amr []string, now time.Time) (string, time.Time, error) {
	claims := jwtx.NewAccessClaims(user.ID, user.Username, sessionID, amr, s.Issuer, s.accessTTL(), now)
	token, err := s.Keys.Sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, claims.ExpiresAt.Time, nil
}

func (s *TokenService) newRefreshRecord(userID, sessionID string, amr []string, meta domain.DeviceMeta, now time.Time) (string, domain.RefreshToken, error) {
	value, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", domain.RefreshToken{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return value, domain.RefreshToken{
		ID:        idx.NewAt(now).String(),
		UserID:    userID,
		SessionID: sessionID,
		TokenHash: cryptox.FingerprintToken(value),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL()),
		Device:    meta,
		AMR:       amr,
	}, nil
}

// IssueRefreshToken stores a new refresh record in sessionID and returns
// the opaque value. Only its fingerprint is persisted.
func (s *TokenService) IssueRefreshToken(ctx context.Context, userID, sessionID string, amr []string, meta domain.DeviceMeta) (string, domain.RefreshToken, error) {
	value, rec, err := s.newRefreshRecord(userID, sessionID, amr, meta, nowFunc(s.Clock))
	if err != nil {
		return "", domain.RefreshToken{}, err
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	if err := s.Store.RefreshTokens().CreateRefreshToken(sctx, rec); err != nil {
		return "", domain.RefreshToken{}, storeFailure(fmt.Errorf("failed to store refresh token: %w", err))
	}
	return value, rec, nil
}

// IssuePair starts a new login session for user and stamps its last
// login time.
func (s *TokenService) IssuePair(ctx context.Context, user domain.User, amr []string, meta domain.DeviceMeta) (domain.TokenPair, error) {
	now := nowFunc(s.Clock)
	sessionID := idx.NewAt(now).String()

	refresh, rec, err := s.IssueRefreshToken(ctx, user.ID, sessionID, amr, meta)
	if err != nil {
		return domain.TokenPair{}, err
	}
	access, accessExp, err := s.IssueAccessToken(user, sessionID, amr, now)
	if err != nil {
		return domain.TokenPair{}, err
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	if err := s.Store.Users().RecordLogin(sctx, user.ID, now); err != nil {
		slogx.FromContext(ctx).Warn("failed to record last login", "user_id", user.ID, "error", err)
	}

	return domain.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: rec.ExpiresAt,
		SessionID:        sessionID,
		UserID:           user.ID,
		Username:         user.Username,
	}, nil
}

// Rotate exchanges a refresh token for a new pair in the same session.
//
// The old record is revoked with a conditional update and the replacement
// inserted in the same transaction, so of several concurrent rotations of
// one token exactly one succeeds. Presenting a token that was already
// rotated or revoked is treated as theft: the whole session is revoked and
// the caller gets ErrTokenRevoked.
func (s *TokenService) Rotate(ctx context.Context, presented string, meta domain.DeviceMeta) (domain.TokenPair, error) {
	if presented == "" {
		return domain.TokenPair{}, ErrTokenUnknown
	}
	hash := cryptox.FingerprintToken(presented)
	now := nowFunc(s.Clock)

	var (
		pair    domain.TokenPair
		outcome error
		reused  domain.RefreshToken
	)

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()

	err := s.Store.WithTx(sctx, func(tx store.Tx) error {
		rotated, err := tx.RefreshTokens().RevokeIfActive(sctx, hash, now)
		if err != nil {
			return err
		}

		old, err := tx.RefreshTokens().GetRefreshTokenByHash(sctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			outcome = ErrTokenUnknown
			return nil
		}
		if err != nil {
			return err
		}

		if !rotated {
			switch {
			case old.Revoked:
				if _, err := tx.RefreshTokens().RevokeSession(sctx, old.SessionID, now); err != nil {
					return err
				}
				reused = old
				outcome = ErrTokenRevoked
			default:
				outcome = ErrTokenExpired
			}
			// Commit: the lineage revocation must stick.
			return nil
		}

		user, err := tx.Users().GetUserByID(sctx, old.UserID)
		if err != nil {
			return fmt.Errorf("failed to load token owner: %w", err)
		}
		if user.Disabled() {
			if _, err := tx.RefreshTokens().RevokeSession(sctx, old.SessionID, now); err != nil {
				return err
			}
			outcome = ErrTokenRevoked
			return nil
		}

		value, rec, err := s.newRefreshRecord(old.UserID, old.SessionID, old.AMR, meta, now)
		if err != nil {
			return err
		}
		if err := tx.RefreshTokens().CreateRefreshToken(sctx, rec); err != nil {
			return err
		}

		access, accessExp, err := s.IssueAccessToken(user, old.SessionID, old.AMR, now)
		if err != nil {
			return err
		}
		pair = domain.TokenPair{
			AccessToken:      access,
			AccessExpiresAt:  accessExp,
			RefreshToken:     value,
			RefreshExpiresAt: rec.ExpiresAt,
			SessionID:        old.SessionID,
			UserID:           user.ID,
			Username:         user.Username,
		}
		return nil
	})
	if err != nil {
		return domain.TokenPair{}, storeFailure(fmt.Errorf("failed to rotate refresh token: %w", err))
	}

	if outcome != nil {
		if reused.SessionID != "" {
			slogx.FromContext(ctx).Warn("refresh token reuse detected; session revoked",
				"user_id", reused.UserID, "session_id", reused.SessionID, "token_fp", hash[:12])
		}
		return domain.TokenPair{}, outcome
	}
	return pair, nil
}

// Revoke revokes one refresh token. Unknown and already revoked tokens are
// not errors.
func (s *TokenService) Revoke(ctx context.Context, presented string) error {
	if presented == "" {
		return nil
	}
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	if err := s.Store.RefreshTokens().RevokeRefreshToken(sctx, cryptox.FingerprintToken(presented), nowFunc(s.Clock)); err != nil {
		return storeFailure(fmt.Errorf("failed to revoke refresh token: %w", err))
	}
	return nil
}

// RevokeAll revokes every active refresh token of userID and returns how
// many were revoked.
func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int, error) {
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	n, err := s.Store.RefreshTokens().RevokeAllForUser(sctx, userID, nowFunc(s.Clock))
	if err != nil {
		return 0, storeFailure(fmt.Errorf("failed to revoke refresh tokens: %w", err))
	}
	return int(n), nil
}

// VerifyAccessToken checks signature, issuer, expiry and that raw is an
// access token rather than an MFA challenge.
func (s *TokenService) VerifyAccessToken(raw string) (jwtx.Claims, error) {
	if raw == "" {
		return jwtx.Claims{}, ErrUnauthenticated
	}
	claims, err := s.verify(raw)
	if err != nil {
		if errors.Is(err, jwtx.ErrExpired) {
			return jwtx.Claims{}, ErrTokenExpired
		}
		return jwtx.Claims{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if err := claims.ValidateType(jwtx.TypeAccess); err != nil {
		return jwtx.Claims{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return claims, nil
}

// IssueChallenge signs a short-lived token proving user passed the
// password step. Nothing is stored.
func (s *TokenService) IssueChallenge(user domain.User, now time.Time) (string, time.Time, error) {
	claims := jwtx.NewChallengeClaims(user.ID, user.Username, s.Issuer, s.challengeTTL(), now)
	token, err := s.Keys.Sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign MFA challenge: %w", err)
	}
	return token, claims.ExpiresAt.Time, nil
}

// VerifyChallenge returns the claims of a valid MFA challenge. Any failure
// reads as ErrInvalidCredentials so the caller restarts the login.
func (s *TokenService) VerifyChallenge(raw string) (jwtx.Claims, error) {
	if raw == "" {
		return jwtx.Claims{}, ErrInvalidCredentials
	}
	claims, err := s.verify(raw)
	if err != nil {
		return jwtx.Claims{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if err := claims.ValidateType(jwtx.TypeMFAChallenge); err != nil {
		return jwtx.Claims{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return claims, nil
}

// verify checks raw against the loaded keys, reloading once when it was
// signed by a key another instance added.
func (s *TokenService) verify(raw string) (jwtx.Claims, error) {
	claims, err := s.Keys.Verify(raw)
	if err == nil || s.Reloader == nil || !errors.Is(err, jwtx.ErrUnknownKID) {
		return claims, err
	}
	if !s.reloadKeys() {
		return claims, err
	}
	return s.Keys.Verify(raw)
}

func (s *TokenService) reloadKeys() bool {
	interval := s.ReloadInterval
	if interval <= 0 {
		interval = DefaultKeyReloadInterval
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	now := time.Now()
	if !s.lastReload.IsZero() && now.Sub(s.lastReload) < interval {
		return false
	}
	s.lastReload = now

	ctx, cancel := storeContext(context.Background(), s.StoreTimeout)
	defer cancel()
	if _, err := s.Reloader.Reload(ctx); err != nil {
		slogx.FromContext(ctx).Warn("failed to reload signing keys", "error", err)
		return false
	}
	return true
}
