package postgres

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
		amr       string
		revokedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt,
		&t.Revoked, &revokedAt, &t.Device.UserAgent, &t.Device.IP, &amr)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.AMR = splitAMR(amr)
	t.RevokedAt = timePtr(revokedAt)
	return t, nil
}

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, session_id, token_hash, issued_at, expires_at, revoked, revoked_at, user_agent, ip, amr)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.UserID, t.SessionID, t.TokenHash, t.IssuedAt, t.ExpiresAt,
		t.Revoked, nullTime(t.RevokedAt), t.Device.UserAgent, t.Device.IP, strings.Join(t.AMR, " "),
	)
	return mapUnique(err)
}

func (r *refreshTokensRepo) GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	return scanRefreshToken(r.db.QueryRowContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, hash))
}

func (r *refreshTokensRepo) RevokeIfActive(ctx context.Context, hash string, now time.Time) (bool, error) {
	n, err := affected(r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1
		 WHERE token_hash = $2 AND NOT revoked AND expires_at > $1`,
		now, hash))
	return n == 1, err
}

func (r *refreshTokensRepo) RevokeRefreshToken(ctx context.Context, hash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1 WHERE token_hash = $2 AND NOT revoked`,
		now, hash)
	return err
}

func (r *refreshTokensRepo) RevokeSession(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1 WHERE session_id = $2 AND NOT revoked`,
		now, sessionID))
}

func (r *refreshTokensRepo) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1
		 WHERE user_id = $2 AND NOT revoked AND expires_at > $1`,
		now, userID))
}

func (r *refreshTokensRepo) ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens
		 WHERE user_id = $1 AND NOT revoked AND expires_at > $2
		 ORDER BY issued_at DESC, id DESC`,
		userID, now)
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
	return affected(r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now))
}

func splitAMR(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
