package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned when a conditional update matched no row
	// because the record was not in the expected state.
	ErrConflict = errors.New("store: conflict")
)

// Store is the root data access interface implemented by the sqlite and
// postgres drivers. Repositories hang off it so that a Tx exposes the same
// surface scoped to one transaction.
type Store interface {
	Users() Users
	RefreshTokens() RefreshTokens
	BackupCodes() BackupCodes
	SigningKeys() SigningKeys

	// ApplyMigrations brings the schema up to date.
	ApplyMigrations(ctx context.Context) error

	// Tx starts a read/write transaction. The caller MUST Commit or Rollback.
	Tx(ctx context.Context) (Tx, error)

	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error

	// Ping verifies the database connection is alive.
	Ping(ctx context.Context) error
}

// Tx is a transaction-scoped Store. Nested transactions are not supported.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// CreateUser inserts a user. A taken username yields ErrAlreadyExists.
	CreateUser(ctx context.Context, u domain.User) error

	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByUsername is the credential lookup during login.
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)

	// UpdatePreferredName sets the display name and bumps updated_at.
	UpdatePreferredName(ctx context.Context, userID, preferredName string, now time.Time) error

	// UpdatePassword replaces the password hash.
	UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error

	// SetMFASecret stores a sealed pending secret. It fails with ErrConflict
	// when MFA is already enabled.
	SetMFASecret(ctx context.Context, userID, sealedSecret string, now time.Time) error

	// EnableMFA confirms the pending secret. It fails with ErrConflict when
	// there is no pending secret or MFA is already enabled.
	EnableMFA(ctx context.Context, userID string, now time.Time) error

	// DisableMFA clears the secret, the enabled flag and the replay guard.
	DisableMFA(ctx context.Context, userID string, now time.Time) error

	// SetDisabled sets or, with nil, clears disabled_at.
	SetDisabled(ctx context.Context, userID string, disabledAt *time.Time, now time.Time) error

	// RecordLogin stamps last_login_at.
	RecordLogin(ctx context.Context, userID string, now time.Time) error

	// AdvanceTOTPStep records step as the last accepted TOTP step if it is
	// newer than the stored one, reporting whether it was.
	AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error)
}

type RefreshTokens interface {
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByHash returns the record regardless of its state.
	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// RevokeIfActive revokes the record only if it is neither revoked nor
	// expired at now, reporting whether this call did the revoking. It is
	// the compare-and-swap at the heart of rotation.
	RevokeIfActive(ctx context.Context, hash string, now time.Time) (bool, error)

	// RevokeRefreshToken revokes a record; unknown or revoked is not an error.
	RevokeRefreshToken(ctx context.Context, hash string, now time.Time) error

	// RevokeSession revokes every record of a login session.
	RevokeSession(ctx context.Context, sessionID string, now time.Time) (int64, error)

	// RevokeAllForUser revokes every active record of a user.
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)

	// ListActiveForUser returns unrevoked, unexpired records, newest first.
	ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]domain.RefreshToken, error)

	// DeleteExpiredRefreshTokens removes records expired at now.
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

type BackupCodes interface {
	// ReplaceBackupCodes deletes the user's codes and stores hashes in order.
	ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error

	// GetBackupCode finds a code by hash, used or not.
	GetBackupCode(ctx context.Context, userID, hash string) (domain.BackupCode, error)

	// MarkBackupCodeUsed sets used_at if it is still unset, reporting
	// whether this call consumed the code.
	MarkBackupCodeUsed(ctx context.Context, id string, now time.Time) (bool, error)

	DeleteAllBackupCodes(ctx context.Context, userID string) error

	CountUnusedBackupCodes(ctx context.Context, userID string) (int, error)
}

type SigningKeys interface {
	CreateSigningKey(ctx context.Context, key domain.SigningKey) error

	// ListSigningKeys returns all keys, retired included, oldest first.
	ListSigningKeys(ctx context.Context) ([]domain.SigningKey, error)

	// RetireSigningKey stops a key from signing; it keeps verifying.
	RetireSigningKey(ctx context.Context, kid string, now time.Time) error
}
