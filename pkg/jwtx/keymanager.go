package jwtx

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/idx"
)

const (
	defaultNumKeys = 2
	maxNumKeys     = 10
)

// KeyManager owns the signing keys of one instance and the KeySet that
// verifies them. Signing picks a random active key.
type KeyManager struct {
	Verifier *EdDSAVerifier
	KeySet   *KeySet

	mu      sync.RWMutex
	signers []Signer
}

// KeyManagerOptions configures a KeyManager.
type KeyManagerOptions struct {
	// Issuer is enforced on verification.
	Issuer string

	// NumKeys is the number of active signing keys (default 2, max 10).
	NumKeys int

	// Leeway tolerated on exp/nbf.
	Leeway time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (o *KeyManagerOptions) normalize() error {
	if o.Issuer == "" {
		return errors.New("jwtx: Issuer is required")
	}
	if o.NumKeys <= 0 {
		o.NumKeys = defaultNumKeys
	}
	if o.NumKeys > maxNumKeys {
		o.NumKeys = maxNumKeys
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

func newKeyManager(opts KeyManagerOptions) *KeyManager {
	keys := NewKeySet()
	return &KeyManager{
		Verifier: NewVerifierEdDSA(keys, VerifyOptions{Issuer: opts.Issuer, Leeway: opts.Leeway, Clock: opts.Clock}),
		KeySet:   keys,
	}
}

// NewEphemeralKeyManager generates in-memory keys. Every token becomes
// invalid when the process restarts.
func NewEphemeralKeyManager(opts KeyManagerOptions) (*KeyManager, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	km := newKeyManager(opts)
	for i := 0; i < opts.NumKeys; i++ {
		_, signer, err := GenerateSigner()
		if err != nil {
			return nil, fmt.Errorf("jwtx: failed to generate signer %d: %w", i+1, err)
		}
		if err := km.AddSigner(signer); err != nil {
			return nil, err
		}
	}
	return km, nil
}

// SigningKeyRecord is a persisted signing key. The private key is sealed so
// the database alone cannot mint tokens.
type SigningKeyRecord struct {
	ID               string
	Kid              string
	Algorithm        string
	PrivateKeySealed []byte
	CreatedAt        time.Time
	RetiredAt        *time.Time
}

// KeyStore persists signing keys.
type KeyStore interface {
	ListSigningKeys(ctx context.Context) ([]SigningKeyRecord, error)
	CreateSigningKey(ctx context.Context, key SigningKeyRecord) error
}

// Sealer encrypts private keys at rest. cryptox.SecretBox implements it.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// NewPersistentKeyManager loads keys from store, verifying with all of them
// and signing with the ones not retired. Missing active keys are generated
// and stored so the instance always has NumKeys to sign with.
func NewPersistentKeyManager(ctx context.Context, store KeyStore, sealer Sealer, opts KeyManagerOptions) (*KeyManager, error) {
	if store == nil || sealer == nil {
		return nil, errors.New("jwtx: store and sealer are required for persistent keys")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	records, err := store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to load signing keys: %w", err)
	}

	km := newKeyManager(opts)
	active := 0
	for _, rec := range records {
		signer, err := openRecord(rec, sealer)
		if err != nil {
			return nil, err
		}
		if rec.RetiredAt != nil {
			if err := km.KeySet.AddSigner(signer); err != nil {
				return nil, err
			}
			continue
		}
		if err := km.AddSigner(signer); err != nil {
			return nil, err
		}
		active++
	}

	for ; active < opts.NumKeys; active++ {
		pemData, signer, err := GenerateSigner()
		if err != nil {
			return nil, fmt.Errorf("jwtx: failed to generate key: %w", err)
		}
		sealed, err := sealer.Seal(pemData, []byte(signer.KID()))
		if err != nil {
			return nil, fmt.Errorf("jwtx: failed to seal key: %w", err)
		}
		rec := SigningKeyRecord{
			ID:               idx.New().String(),
			Kid:              signer.KID(),
			Algorithm:        AlgorithmEdDSA,
			PrivateKeySealed: sealed,
			CreatedAt:        opts.Clock().UTC(),
		}
		if err := store.CreateSigningKey(ctx, rec); err != nil {
			return nil, fmt.Errorf("jwtx: failed to store key: %w", err)
		}
		if err := km.AddSigner(signer); err != nil {
			return nil, err
		}
	}

	return km, nil
}

func openRecord(rec SigningKeyRecord, sealer Sealer) (Signer, error) {
	if rec.Algorithm != AlgorithmEdDSA {
		return nil, fmt.Errorf("jwtx: key %s uses unsupported algorithm %q", rec.Kid, rec.Algorithm)
	}
	pemData, err := sealer.Open(rec.PrivateKeySealed, []byte(rec.Kid))
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to unseal key %s: %w", rec.Kid, err)
	}
	return NewSignerEdDSA(rec.Kid, pemData)
}

// Reload brings the manager in line with store, which other instances may
// have rotated. Every stored key is published for verification and the
// unretired ones become the signing set. Keys already known are not
// unsealed again. When store holds no active key the current signers are
// kept. Reload reports whether the signing set changed.
func (km *KeyManager) Reload(ctx context.Context, store KeyStore, sealer Sealer) (bool, error) {
	if store == nil || sealer == nil {
		return false, errors.New("jwtx: store and sealer are required to reload keys")
	}
	records, err := store.ListSigningKeys(ctx)
	if err != nil {
		return false, fmt.Errorf("jwtx: failed to load signing keys: %w", err)
	}

	km.mu.RLock()
	known := make(map[string]Signer, len(km.signers))
	for _, s := range km.signers {
		known[s.KID()] = s
	}
	km.mu.RUnlock()

	var active []Signer
	for _, rec := range records {
		signer, ok := known[rec.Kid]
		if !ok {
			if _, err := km.KeySet.Get(rec.Kid); err == nil && rec.RetiredAt != nil {
				continue
			}
			if signer, err = openRecord(rec, sealer); err != nil {
				return false, err
			}
			if err := km.KeySet.AddSigner(signer); err != nil {
				return false, err
			}
		}
		if rec.RetiredAt == nil {
			active = append(active, signer)
		}
	}
	if len(active) == 0 {
		return false, nil
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	changed := len(active) != len(km.signers)
	for _, s := range active {
		if _, ok := known[s.KID()]; !ok {
			changed = true
		}
	}
	km.signers = active
	return changed, nil
}

// IsReady reports whether the manager can sign and verify.
func (km *KeyManager) IsReady() bool {
	return km.NumSigners() > 0 && km.KeySet.IsReady()
}

// Sign signs claims with a randomly chosen active key.
func (km *KeyManager) Sign(claims Claims) (string, error) {
	s := km.GetSigner()
	if s == nil {
		return "", ErrNoKey
	}
	return s.Sign(claims)
}

// Verify delegates to the manager's verifier.
func (km *KeyManager) Verify(token string) (Claims, error) {
	return km.Verifier.Verify(token)
}

// GetSigner returns a random active signer, or nil when there is none.
func (km *KeyManager) GetSigner() Signer {
	km.mu.RLock()
	defer km.mu.RUnlock()

	switch len(km.signers) {
	case 0:
		return nil
	case 1:
		return km.signers[0]
	default:
		return km.signers[rand.IntN(len(km.signers))]
	}
}

// SignerKIDs lists the kids of the active signing keys.
func (km *KeyManager) SignerKIDs() []string {
	km.mu.RLock()
	defer km.mu.RUnlock()

	kids := make([]string, len(km.signers))
	for i, s := range km.signers {
		kids[i] = s.KID()
	}
	return kids
}

// NumSigners returns the number of active signing keys.
func (km *KeyManager) NumSigners() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return len(km.signers)
}

// AddSigner makes signer available for signing and verification.
func (km *KeyManager) AddSigner(signer Signer) error {
	if signer == nil {
		return errors.New("jwtx: signer cannot be nil")
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if err := km.KeySet.AddSigner(signer); err != nil {
		return fmt.Errorf("jwtx: failed to add signer to keyset: %w", err)
	}
	km.signers = append(km.signers, signer)
	return nil
}

// RetireSigner stops signing with kid. The key stays in the KeySet so
// tokens it already signed keep verifying until they expire.
func (km *KeyManager) RetireSigner(kid string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if len(km.signers) <= 1 {
		return errors.New("jwtx: cannot retire the last signing key")
	}

	kept := km.signers[:0:0]
	for _, s := range km.signers {
		if s.KID() != kid {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(km.signers) {
		return fmt.Errorf("jwtx: signer with kid %q not found", kid)
	}
	km.signers = kept
	return nil
}

// GenerateSigner creates a fresh Ed25519 signer with a random kid and
// returns its private key PEM alongside.
func GenerateSigner() ([]byte, Signer, error) {
	kid, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, nil, err
	}
	pemData, err := cryptox.GenerateEd25519Key()
	if err != nil {
		return nil, nil, err
	}
	signer, err := NewSignerEdDSA("bw-"+kid, pemData)
	if err != nil {
		return nil, nil, err
	}
	return pemData, signer, nil
}
