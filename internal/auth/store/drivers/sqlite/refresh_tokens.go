package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
)

type refreshTokensRepo struct {
	db dbtx
}

const refreshTokenColumns = `id, user_id, session_id, token_hash, issued_at, expires_at, revoked, revoked_at, user_agent, ip, amr`

func scanRefreshToken(row interface{ Scan(...any) error }) (domain.RefreshToken, error) {
	var (
		t         domain.RefreshToken
		issued    int64
		expires   int64
		amr       string
		revokedAt sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.TokenHash, &issued, &expires,
		&t.Revoked, &revokedAt, &t.Device.UserAgent, &t.Device.IP, &amr)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	t.IssuedAt = fromMillis(issued)
	t.ExpiresAt = fromMillis(expires)
	t.AMR = splitAMR(amr)
	t.RevokedAt = fromNullMillis(revokedAt)
	return t, nil
}

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, session_id, token_hash, issued_at, expires_at, revoked, revoked_at, user_agent, ip, amr)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.SessionID, t.TokenHash, toMillis(t.IssuedAt), toMillis(t.ExpiresAt),
		t.Revoked, toNullMillis(t.RevokedAt), t.Device.UserAgent, t.Device.IP, strings.Join(t.AMR, " "),
	)
	return mapUnique(err)
}

func (r *refreshTokensRepo) GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	return scanRefreshToken(r.db.QueryRowContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = ?`, hash))
}

func (r *refreshTokensRepo) RevokeIfActive(ctx context.Context, hash string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ?
		 WHERE token_hash = ? AND revoked = 0 AND expires_at > ?`,
		toMillis(now), hash, toMillis(now),
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *refreshTokensRepo) RevokeRefreshToken(ctx context.Context, hash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE token_hash = ? AND revoked = 0`,
		toMillis(now), hash,
	)
	return err
}

func (r *refreshTokensRepo) RevokeSession(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE session_id = ? AND revoked = 0`,
		toMillis(now), sessionID,
	)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (r *refreshTokensRepo) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ?
		 WHERE user_id = ? AND revoked = 0 AND expires_at > ?`,
		toMillis(now), userID, toMillis(now),
	)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (r *refreshTokensRepo) ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens
		 WHERE user_id = ? AND revoked = 0 AND expires_at > ?
		 ORDER BY issued_at DESC, id DESC`,
		userID, toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RefreshToken
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func splitAMR(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
