package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
)

// InitAuthKeys creates the KeyManager for the configured storage mode.
//
// Storage modes:
//   - "ephemeral": keys are generated on startup and held in memory only.
//     Every outstanding access token becomes invalid on restart.
//   - "persistent": keys are sealed with box and stored in the database,
//     so tokens survive restarts and every replica signs with the same set.
//
// Persistent mode refuses an ephemeral master key, since keys sealed with
// it could not be opened again.
func InitAuthKeys(ctx context.Context, cfg Config, db store.Store, box *cryptox.SecretBox, ephemeralMaster bool, logger *slog.Logger) (*jwtx.KeyManager, error) {
	opts := jwtx.KeyManagerOptions{
		Issuer:  cfg.Issuer,
		NumKeys: cfg.NumKeys,
	}

	switch cfg.KeyStorageMode {
	case "persistent":
		if ephemeralMaster {
			return nil, fmt.Errorf("persistent key storage needs a master key: set AUTH_MASTER_KEY_PATH or %s", cryptox.MasterKeyEnv)
		}

		logger.Info("initializing persistent key manager", "num_keys", cfg.NumKeys)

		keyManager, err := jwtx.NewPersistentKeyManager(ctx, store.NewKeyStoreAdapter(db), box, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize persistent key manager: %w", err)
		}

		logger.Info("persistent signing keys loaded",
			"signers", keyManager.NumSigners(),
			"kids", keyManager.SignerKIDs(),
			"issuer", cfg.Issuer,
		)
		return keyManager, nil

	default:
		keyManager, err := jwtx.NewEphemeralKeyManager(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ephemeral key manager: %w", err)
		}

		logger.Info("generated ephemeral signing keys",
			"signers", keyManager.NumSigners(),
			"issuer", cfg.Issuer,
		)
		logger.Warn("ephemeral keys: access tokens issued before this start are no longer valid")
		return keyManager, nil
	}
}
