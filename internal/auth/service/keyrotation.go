package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/idx"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
)

// KeyRotationService replaces the JWT signing keys.
//
// In ephemeral mode (Store == nil) keys only live in the KeyManager. In
// persistent mode new keys are sealed and stored and old ones marked
// retired, so restarts keep verifying tokens they signed.
type KeyRotationService struct {
	Store  store.Store // nil for ephemeral mode
	Keys   *jwtx.KeyManager
	Sealer jwtx.Sealer

	// MaxAge is how long a generation of keys signs before RotateIfDue
	// replaces it. Zero disables scheduled rotation.
	MaxAge time.Duration
	Clock  func() time.Time

	mu          sync.Mutex
	lastRotated time.Time
}

// RotateResult lists the kids added and retired by one rotation.
type RotateResult struct {
	Added   []string
	Retired []string
}

// RotateKey generates as many fresh signing keys as are active and retires
// the current ones. Retired keys keep verifying.
//
// With persistent keys the manager is reloaded first so the keys retired
// are the ones the store holds. ErrKeysChanged means another instance
// rotated at the same moment; its keys are loaded and the call can be
// retried.
func (s *KeyRotationService) RotateKey(ctx context.Context) (RotateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Store != nil {
		if _, err := s.reload(ctx); err != nil {
			return RotateResult{}, err
		}
	}
	res, err := s.rotate(ctx)
	if errors.Is(err, ErrKeysChanged) {
		if _, rerr := s.reload(ctx); rerr != nil {
			return RotateResult{}, rerr
		}
	}
	return res, err
}

func (s *KeyRotationService) rotate(ctx context.Context) (RotateResult, error) {
	if s.Keys == nil {
		return RotateResult{}, errors.New("KeyManager is required")
	}
	if s.Store != nil && s.Sealer == nil {
		return RotateResult{}, errors.New("Sealer is required for persistent keys")
	}

	now := nowFunc(s.Clock)
	old := s.Keys.SignerKIDs()
	n := max(len(old), 1)

	signers := make([]jwtx.Signer, 0, n)
	records := make([]domain.SigningKey, 0, n)
	for range n {
		pemData, signer, err := jwtx.GenerateSigner()
		if err != nil {
			return RotateResult{}, fmt.Errorf("failed to generate signing key: %w", err)
		}
		signers = append(signers, signer)

		if s.Store == nil {
			continue
		}
		sealed, err := s.Sealer.Seal(pemData, []byte(signer.KID()))
		if err != nil {
			return RotateResult{}, fmt.Errorf("failed to seal signing key: %w", err)
		}
		records = append(records, domain.SigningKey{
			ID:               idx.NewAt(now).String(),
			Kid:              signer.KID(),
			Algorithm:        jwtx.AlgorithmEdDSA,
			PrivateKeySealed: sealed,
			CreatedAt:        now,
		})
	}

	if s.Store != nil {
		// Retiring first makes the rotation conditional: an instance that
		// lost a race finds its old keys already retired and backs off.
		err := s.Store.WithTx(ctx, func(tx store.Tx) error {
			for _, kid := range old {
				if err := tx.SigningKeys().RetireSigningKey(ctx, kid, now); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return ErrKeysChanged
					}
					return fmt.Errorf("failed to retire signing key %s: %w", kid, err)
				}
			}
			for _, rec := range records {
				if err := tx.SigningKeys().CreateSigningKey(ctx, rec); err != nil {
					return fmt.Errorf("failed to store signing key: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return RotateResult{}, err
		}
	}

	res := RotateResult{}
	for _, signer := range signers {
		if err := s.Keys.AddSigner(signer); err != nil {
			return RotateResult{}, fmt.Errorf("failed to add signer: %w", err)
		}
		res.Added = append(res.Added, signer.KID())
	}
	for _, kid := range old {
		if err := s.Keys.RetireSigner(kid); err != nil {
			return res, fmt.Errorf("failed to retire signer %s: %w", kid, err)
		}
		res.Retired = append(res.Retired, kid)
	}

	s.lastRotated = now
	return res, nil
}

// Reload picks up keys other instances added or retired in the store. It
// is a no-op for ephemeral keys.
func (s *KeyRotationService) Reload(ctx context.Context) (bool, error) {
	if s.Store == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload(ctx)
}

func (s *KeyRotationService) reload(ctx context.Context) (bool, error) {
	changed, err := s.Keys.Reload(ctx, store.NewKeyStoreAdapter(s.Store), s.Sealer)
	if err != nil {
		return false, fmt.Errorf("failed to reload signing keys: %w", err)
	}
	return changed, nil
}

// RotateIfDue rotates when the active keys are older than MaxAge and
// reports whether it did. With persistent keys the age is read from the
// store after a reload, so the instance that rotates first wins and the
// others adopt its keys.
func (s *KeyRotationService) RotateIfDue(ctx context.Context) (bool, error) {
	if s.MaxAge <= 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowFunc(s.Clock)
	if s.Store != nil {
		if _, err := s.reload(ctx); err != nil {
			return false, err
		}
		born, err := s.activeSince(ctx, now)
		if err != nil {
			return false, err
		}
		s.lastRotated = born
	} else if s.lastRotated.IsZero() {
		s.lastRotated = now
	}
	if now.Sub(s.lastRotated) < s.MaxAge {
		return false, nil
	}

	if _, err := s.rotate(ctx); err != nil {
		if errors.Is(err, ErrKeysChanged) {
			_, rerr := s.reload(ctx)
			return false, rerr
		}
		return false, err
	}
	return true, nil
}

// activeSince is the creation time of the newest active stored key, or now
// when the store has none.
func (s *KeyRotationService) activeSince(ctx context.Context, now time.Time) (time.Time, error) {
	keys, err := s.Store.SigningKeys().ListSigningKeys(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to list signing keys: %w", err)
	}
	var newest time.Time
	for _, k := range keys {
		if k.IsActive() && k.CreatedAt.After(newest) {
			newest = k.CreatedAt
		}
	}
	if newest.IsZero() {
		return now, nil
	}
	return newest, nil
}
