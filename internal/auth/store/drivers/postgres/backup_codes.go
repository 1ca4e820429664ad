package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/pkg/idx"
)

type backupCodesRepo struct {
	db dbtx
}

func (r *backupCodesRepo) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error {
	if err := r.DeleteAllBackupCodes(ctx, userID); err != nil {
		return err
	}
	for i, h := range hashes {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO backup_codes (id, user_id, code_hash, position, created_at) VALUES ($1, $2, $3, $4, $5)`,
			idx.New().String(), userID, h, i, now)
		if err != nil {
			return mapUnique(err)
		}
	}
	return nil
}

func (r *backupCodesRepo) GetBackupCode(ctx context.Context, userID, hash string) (domain.BackupCode, error) {
	var (
		c      domain.BackupCode
		usedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, code_hash, position, used_at, created_at
		 FROM backup_codes WHERE user_id = $1 AND code_hash = $2`,
		userID, hash,
	).Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Position, &usedAt, &c.CreatedAt)
	if err != nil {
		return domain.BackupCode{}, mapNotFound(err)
	}
	c.UsedAt = timePtr(usedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (r *backupCodesRepo) MarkBackupCodeUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := affected(r.db.ExecContext(ctx,
		`UPDATE backup_codes SET used_at = $1 WHERE id = $2 AND used_at IS NULL`, now, id))
	return n == 1, err
}

func (r *backupCodesRepo) DeleteAllBackupCodes(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID)
	return err
}

func (r *backupCodesRepo) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_codes WHERE user_id = $1 AND used_at IS NULL`, userID,
	).Scan(&n)
	return n, err
}
