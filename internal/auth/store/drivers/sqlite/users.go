package sqlite

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

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var (
		u         domain.User
		secret    sql.NullString
		enabledAt sql.NullInt64
		disabled  sql.NullInt64
		lastLogin sql.NullInt64
		created   int64
		updated   int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.PreferredName, &u.PasswordHash, &secret, &enabledAt, &u.MFALastStep, &disabled, &lastLogin, &created, &updated)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	u.MFASecret = fromNullString(secret)
	u.MFAEnabledAt = fromNullMillis(enabledAt)
	u.DisabledAt = fromNullMillis(disabled)
	u.LastLoginAt = fromNullMillis(lastLogin)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, preferred_name, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PreferredName, u.PasswordHash, toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	return mapUnique(err)
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (r *usersRepo) UpdatePreferredName(ctx context.Context, userID, preferredName string, now time.Time) error {
	return r.exec(ctx, store.ErrNotFound,
		`UPDATE users SET preferred_name = ?, updated_at = ? WHERE id = ?`,
		preferredName, toMillis(now), userID,
	)
}

func (r *usersRepo) UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error {
	return r.exec(ctx, store.ErrNotFound,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, toMillis(now), userID,
	)
}

func (r *usersRepo) SetMFASecret(ctx context.Context, userID, sealedSecret string, now time.Time) error {
	return r.exec(ctx, store.ErrConflict,
		`UPDATE users SET mfa_secret = ?, updated_at = ? WHERE id = ? AND mfa_enabled_at IS NULL`,
		sealedSecret, toMillis(now), userID,
	)
}

func (r *usersRepo) EnableMFA(ctx context.Context, userID string, now time.Time) error {
	return r.exec(ctx, store.ErrConflict,
		`UPDATE users SET mfa_enabled_at = ?, updated_at = ?
		 WHERE id = ? AND mfa_secret IS NOT NULL AND mfa_enabled_at IS NULL`,
		toMillis(now), toMillis(now), userID,
	)
}

func (r *usersRepo) DisableMFA(ctx context.Context, userID string, now time.Time) error {
	return r.exec(ctx, store.ErrNotFound,
		`UPDATE users SET mfa_secret = NULL, mfa_enabled_at = NULL, mfa_last_step = 0, updated_at = ? WHERE id = ?`,
		toMillis(now), userID,
	)
}

func (r *usersRepo) AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET mfa_last_step = ? WHERE id = ? AND mfa_last_step < ?`,
		step, userID, step,
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *usersRepo) SetDisabled(ctx context.Context, userID string, disabledAt *time.Time, now time.Time) error {
	return r.exec(ctx, store.ErrNotFound,
		`UPDATE users SET disabled_at = ?, updated_at = ? WHERE id = ?`,
		toNullMillis(disabledAt), toMillis(now), userID,
	)
}

func (r *usersRepo) RecordLogin(ctx context.Context, userID string, now time.Time) error {
	return r.exec(ctx, store.ErrNotFound,
		`UPDATE users SET last_login_at = ? WHERE id = ?`,
		toMillis(now), userID,
	)
}

// exec runs a single-row update, returning onMiss when no row matched.
func (r *usersRepo) exec(ctx context.Context, onMiss error, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return onMiss
	}
	return nil
}
