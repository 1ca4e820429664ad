package store

import (
	"context"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
)

// KeyStoreAdapter exposes SigningKeys as a jwtx.KeyStore so pkg/jwtx does
// not depend on the domain package.
type KeyStoreAdapter struct {
	store Store
}

func NewKeyStoreAdapter(store Store) *KeyStoreAdapter {
	return &KeyStoreAdapter{store: store}
}

func (a *KeyStoreAdapter) ListSigningKeys(ctx context.Context) ([]jwtx.SigningKeyRecord, error) {
	keys, err := a.store.SigningKeys().ListSigningKeys(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]jwtx.SigningKeyRecord, len(keys))
	for i, key := range keys {
		records[i] = jwtx.SigningKeyRecord{
			ID:               key.ID,
			Kid:              key.Kid,
			Algorithm:        key.Algorithm,
			PrivateKeySealed: key.PrivateKeySealed,
			CreatedAt:        key.CreatedAt,
			RetiredAt:        key.RetiredAt,
		}
	}
	return records, nil
}

func (a *KeyStoreAdapter) CreateSigningKey(ctx context.Context, key jwtx.SigningKeyRecord) error {
	return a.store.SigningKeys().CreateSigningKey(ctx, domain.SigningKey{
		ID:               key.ID,
		Kid:              key.Kid,
		Algorithm:        key.Algorithm,
		PrivateKeySealed: key.PrivateKeySealed,
		CreatedAt:        key.CreatedAt,
		RetiredAt:        key.RetiredAt,
	})
}
