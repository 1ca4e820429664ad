package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, username, preferred_name, password_hash, mfa_secret, mfa_enabled_at, mfa_last_step, disabled_at, last_login_at, created_at, updated_at`

func scanUser(row *sql.Row) (domain.User, error) {
	var (
		u         domain.User
		secret    sql.NullString
		enabledAt sql.NullTime
		disabled  sql.NullTime
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.PreferredName, &u.PasswordHash, &secret, &enabledAt, &u.MFALastStep, &disabled, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	u.MFASecret = stringPtr(secret)
	u.MFAEnabledAt = timePtr(enabledAt)
	u.DisabledAt = timePtr(disabled)
	u.LastLoginAt = timePtr(lastLogin)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, preferred_name, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.PreferredName, u.PasswordHash, u.CreatedAt, u.UpdatedAt,
	)
	return mapUnique(err)
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (r *usersRepo) UpdatePreferredName(ctx context.Context, userID, preferredName string, now time.Time) error {
	return oneRow(store.ErrNotFound)(affected(r.db.ExecContext(ctx,
		`UPDATE users SET preferred_name = $1, updated_at = $2 WHERE id = $3`,
		preferredName, now, userID)))
}

func (r *usersRepo) UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error {
	return oneRow(store.ErrNotFound)(affected(r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		passwordHash, now, userID)))
}

func (r *usersRepo) SetMFASecret(ctx context.Context, userID, sealedSecret string, now time.Time) error {
	return oneRow(store.ErrConflict)(affected(r.db.ExecContext(ctx,
		`UPDATE users SET mfa_secret = $1, updated_at = $2 WHERE id = $3 AND mfa_enabled_at IS NULL`,
		sealedSecret, now, userID)))
}

func (r *usersRepo) EnableMFA(ctx context.Context, userID string, now time.Time) error {
	return oneRow(store.ErrConflict)(affected(r.db.ExecContext(ctx,
		`UPDATE users SET mfa_enabled_at = $1, updated_at = $1
		 WHERE id = $2 AND mfa_secret IS NOT NULL AND mfa_enabled_at IS NULL`,
		now, userID)))
}

func (r *usersRepo) DisableMFA(ctx context.Context, userID string, now time.Time) error {
	return oneRow(store.ErrNotFound)(affected(r.db.ExecContext(ctx,
		`UPDATE users SET mfa_secret = NULL, mfa_enabled_at = NULL, mfa_last_step = 0, updated_at = $1 WHERE id = $2`,
		now, userID)))
}

func (r *usersRepo) AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	n, err := affected(r.db.ExecContext(ctx,
		`UPDATE users SET mfa_last_step = $1 WHERE id = $2 AND mfa_last_step < $1`,
		step, userID))
	return n == 1, err
}

func (r *usersRepo) SetDisabled(ctx context.Context, userID string, disabledAt *time.Time, now time.Time) error {
	return oneRow(store.ErrNotFound)(affected(r.db.ExecContext(ctx,
		`UPDATE users SET disabled_at = $1, updated_at = $2 WHERE id = $3`,
		nullTime(disabledAt), now, userID)))
}

func (r *usersRepo) RecordLogin(ctx context.Context, userID string, now time.Time) error {
	return oneRow(store.ErrNotFound)(affected(r.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $1 WHERE id = $2`, now, userID)))
}

// oneRow turns a rows-affected count into onMiss when nothing matched.
func oneRow(onMiss error) func(int64, error) error {
	return func(n int64, err error) error {
		if err != nil {
			return err
		}
		if n == 0 {
			return onMiss
		}
		return nil
	}
}
