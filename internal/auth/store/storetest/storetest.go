// Package storetest is a conformance suite run against every store driver.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/idx"
	"github.com/stretchr/testify/require"
)

// Factory returns a migrated, empty store. It should register its own
// cleanup on t.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("MFA", func(t *testing.T) { testMFA(t, newStore(t)) })
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore(t)) })
	t.Run("RevokeIfActiveRace", func(t *testing.T) { testRevokeRace(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("BackupCodes", func(t *testing.T) { testBackupCodes(t, newStore(t)) })
	t.Run("SigningKeys", func(t *testing.T) { testSigningKeys(t, newStore(t)) })
}

func mustUser(t *testing.T, s store.Store, username string) domain.User {
	t.Helper()
	u := domain.User{
		ID:            idx.NewAt(base).String(),
		Username:      username,
		PreferredName: username,
		PasswordHash:  "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	require.NoError(t, s.Users().CreateUser(context.Background(), u))
	return u
}

func mustToken(t *testing.T, s store.Store, userID, sessionID, hash string, issued time.Time, ttl time.Duration) domain.RefreshToken {
	t.Helper()
	rt := domain.RefreshToken{
		ID:        idx.NewAt(issued).String(),
		UserID:    userID,
		SessionID: sessionID,
		TokenHash: hash,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
		Device:    domain.DeviceMeta{UserAgent: "curl/8.5", IP: "192.0.2.10"},
		AMR:       []string{"pwd", "otp", "mfa"},
	}
	require.NoError(t, s.RefreshTokens().CreateRefreshToken(context.Background(), rt))
	return rt
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	got, err := s.Users().GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, alice.ID, got.ID)
	require.Equal(t, alice.PasswordHash, got.PasswordHash)
	require.True(t, alice.CreatedAt.Equal(got.CreatedAt))
	require.Nil(t, got.MFASecret)
	require.False(t, got.MFAEnabled())

	got, err = s.Users().GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)

	dup := alice
	dup.ID = idx.New().String()
	err = s.Users().CreateUser(ctx, dup)
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = s.Users().GetUserByUsername(ctx, "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Users().GetUserByID(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	later := base.Add(time.Hour)
	require.NoError(t, s.Users().UpdatePreferredName(ctx, alice.ID, "Alice A.", later))
	got, err = s.Users().GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, "Alice A.", got.PreferredName)
	require.True(t, later.Equal(got.UpdatedAt))

	err = s.Users().UpdatePreferredName(ctx, "missing", "x", later)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Users().UpdatePassword(ctx, alice.ID, "$argon2id$new", later))
	got, err = s.Users().GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, "$argon2id$new", got.PasswordHash)
	require.ErrorIs(t, s.Users().UpdatePassword(ctx, "missing", "x", later), store.ErrNotFound)

	require.Nil(t, got.DisabledAt)
	require.Nil(t, got.LastLoginAt)
	require.NoError(t, s.Users().RecordLogin(ctx, alice.ID, later))
	require.NoError(t, s.Users().SetDisabled(ctx, alice.ID, &later, later))
	got, err = s.Users().GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.True(t, got.Disabled())
	require.True(t, later.Equal(*got.DisabledAt))
	require.True(t, later.Equal(*got.LastLoginAt))

	require.NoError(t, s.Users().SetDisabled(ctx, alice.ID, nil, later))
	got, err = s.Users().GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.False(t, got.Disabled())
	require.ErrorIs(t, s.Users().SetDisabled(ctx, "missing", nil, later), store.ErrNotFound)
	require.ErrorIs(t, s.Users().RecordLogin(ctx, "missing", later), store.ErrNotFound)
}

func testMFA(t *testing.T, s store.Store) {
	ctx := context.Background()
	bob := mustUser(t, s, "bob")
	users := s.Users()

	err := users.EnableMFA(ctx, bob.ID, base)
	require.ErrorIs(t, err, store.ErrConflict, "enable without a pending secret")

	require.NoError(t, users.SetMFASecret(ctx, bob.ID, "sealed-1", base))
	require.NoError(t, users.SetMFASecret(ctx, bob.ID, "sealed-2", base), "setup can be restarted while pending")

	got, err := users.GetUserByID(ctx, bob.ID)
	require.NoError(t, err)
	require.True(t, got.MFAPending())
	require.Equal(t, "sealed-2", *got.MFASecret)

	require.NoError(t, users.EnableMFA(ctx, bob.ID, base.Add(time.Minute)))
	got, err = users.GetUserByID(ctx, bob.ID)
	require.NoError(t, err)
	require.True(t, got.MFAEnabled())

	require.ErrorIs(t, users.EnableMFA(ctx, bob.ID, base), store.ErrConflict)
	require.ErrorIs(t, users.SetMFASecret(ctx, bob.ID, "sealed-3", base), store.ErrConflict)

	ok, err := users.AdvanceTOTPStep(ctx, bob.ID, 100)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = users.AdvanceTOTPStep(ctx, bob.ID, 100)
	require.NoError(t, err)
	require.False(t, ok, "same step twice is a replay")
	ok, err = users.AdvanceTOTPStep(ctx, bob.ID, 99)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = users.AdvanceTOTPStep(ctx, bob.ID, 101)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, users.DisableMFA(ctx, bob.ID, base.Add(time.Hour)))
	got, err = users.GetUserByID(ctx, bob.ID)
	require.NoError(t, err)
	require.False(t, got.MFAEnabled())
	require.False(t, got.MFAPending())
	require.Zero(t, got.MFALastStep)
}

func testRefreshTokens(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.RefreshTokens()
	alice := mustUser(t, s, "alice")

	first := mustToken(t, s, alice.ID, "sess-1", "hash-1", base, 24*time.Hour)
	second := mustToken(t, s, alice.ID, "sess-1", "hash-2", base.Add(time.Minute), 24*time.Hour)
	other := mustToken(t, s, alice.ID, "sess-2", "hash-3", base.Add(2*time.Minute), 24*time.Hour)
	stale := mustToken(t, s, alice.ID, "sess-3", "hash-4", base.Add(-48*time.Hour), time.Hour)

	dup := first
	dup.ID = idx.New().String()
	require.ErrorIs(t, repo.CreateRefreshToken(ctx, dup), store.ErrAlreadyExists)

	got, err := repo.GetRefreshTokenByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, "sess-1", got.SessionID)
	require.Equal(t, first.Device, got.Device)
	require.Equal(t, []string{"pwd", "otp", "mfa"}, got.AMR)
	require.True(t, first.ExpiresAt.Equal(got.ExpiresAt))
	require.True(t, got.IsActive(base))

	_, err = repo.GetRefreshTokenByHash(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	now := base.Add(5 * time.Minute)
	active, err := repo.ListActiveForUser(ctx, alice.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 3)
	require.Equal(t, other.ID, active[0].ID, "newest first")
	require.Equal(t, second.ID, active[1].ID)
	require.Equal(t, first.ID, active[2].ID)

	ok, err := repo.RevokeIfActive(ctx, "hash-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.RevokeIfActive(ctx, "hash-1", now)
	require.NoError(t, err)
	require.False(t, ok, "already revoked")
	ok, err = repo.RevokeIfActive(ctx, stale.TokenHash, now)
	require.NoError(t, err)
	require.False(t, ok, "expired")
	ok, err = repo.RevokeIfActive(ctx, "nope", now)
	require.NoError(t, err)
	require.False(t, ok)

	got, err = repo.GetRefreshTokenByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, got.Revoked)
	require.NotNil(t, got.RevokedAt)

	require.NoError(t, repo.RevokeRefreshToken(ctx, "hash-1", now), "revoking twice is fine")
	require.NoError(t, repo.RevokeRefreshToken(ctx, "nope", now))

	n, err := repo.RevokeSession(ctx, "sess-1", now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "only hash-2 was still active in sess-1")

	active, err = repo.ListActiveForUser(ctx, alice.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, other.ID, active[0].ID)

	n, err = repo.RevokeAllForUser(ctx, alice.ID, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = repo.RevokeAllForUser(ctx, alice.ID, now)
	require.NoError(t, err)
	require.Zero(t, n)

	deleted, err := repo.DeleteExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	_, err = repo.GetRefreshTokenByHash(ctx, stale.TokenHash)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// testRevokeRace checks the compare-and-swap that rotation is built on:
// many transactions racing to revoke the same record, exactly one wins.
func testRevokeRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice")
	mustToken(t, s, alice.ID, "sess-race", "hash-race", base, 24*time.Hour)

	const workers = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		errs = make(chan error, workers)
	)
	now := base.Add(time.Minute)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx store.Tx) error {
				ok, err := tx.RefreshTokens().RevokeIfActive(ctx, "hash-race", now)
				if err != nil || !ok {
					return err
				}
				wins.Add(1)
				return tx.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
					ID:        idx.New().String(),
					UserID:    alice.ID,
					SessionID: "sess-race",
					TokenHash: "hash-race-next-" + idx.New().String(),
					IssuedAt:  now,
					ExpiresAt: now.Add(time.Hour),
				})
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, wins.Load())

	active, err := s.RefreshTokens().ListActiveForUser(ctx, alice.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

var errAbort = errors.New("abort")

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		mustToken(t, tx, alice.ID, "sess-tx", "hash-rolled-back", base, time.Hour)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	_, err = s.RefreshTokens().GetRefreshTokenByHash(ctx, "hash-rolled-back")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		mustToken(t, tx, alice.ID, "sess-tx", "hash-committed", base, time.Hour)
		return nil
	}))
	_, err = s.RefreshTokens().GetRefreshTokenByHash(ctx, "hash-committed")
	require.NoError(t, err)

	tx, err := s.Tx(ctx)
	require.NoError(t, err)
	_, err = tx.Tx(ctx)
	require.Error(t, err, "nested transactions are not supported")
	require.NoError(t, tx.Rollback())

	require.NoError(t, s.Ping(ctx))
}

func testBackupCodes(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.BackupCodes()
	bob := mustUser(t, s, "bob")

	require.NoError(t, repo.ReplaceBackupCodes(ctx, bob.ID, []string{"h0", "h1", "h2"}, base))
	n, err := repo.CountUnusedBackupCodes(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	code, err := repo.GetBackupCode(ctx, bob.ID, "h1")
	require.NoError(t, err)
	require.Equal(t, 1, code.Position)
	require.Nil(t, code.UsedAt)

	ok, err := repo.MarkBackupCodeUsed(ctx, code.ID, base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkBackupCodeUsed(ctx, code.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "single use")

	code, err = repo.GetBackupCode(ctx, bob.ID, "h1")
	require.NoError(t, err)
	require.NotNil(t, code.UsedAt)

	n, err = repo.CountUnusedBackupCodes(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = repo.GetBackupCode(ctx, bob.ID, "unknown")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, repo.ReplaceBackupCodes(ctx, bob.ID, []string{"n0", "n1"}, base))
	_, err = repo.GetBackupCode(ctx, bob.ID, "h0")
	require.ErrorIs(t, err, store.ErrNotFound, "replacement drops the old set")
	n, err = repo.CountUnusedBackupCodes(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, repo.DeleteAllBackupCodes(ctx, bob.ID))
	n, err = repo.CountUnusedBackupCodes(ctx, bob.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testSigningKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.SigningKeys()

	keys, err := repo.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	for i, kid := range []string{"bw-a", "bw-b"} {
		require.NoError(t, repo.CreateSigningKey(ctx, domain.SigningKey{
			ID:               idx.New().String(),
			Kid:              kid,
			Algorithm:        "EdDSA",
			PrivateKeySealed: []byte{0x01, 0x02, byte(i)},
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		}))
	}

	err = repo.CreateSigningKey(ctx, domain.SigningKey{
		ID: idx.New().String(), Kid: "bw-a", Algorithm: "EdDSA", PrivateKeySealed: []byte{1}, CreatedAt: base,
	})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	require.NoError(t, repo.RetireSigningKey(ctx, "bw-a", base.Add(time.Hour)))
	require.ErrorIs(t, repo.RetireSigningKey(ctx, "bw-a", base.Add(time.Hour)), store.ErrNotFound)
	require.ErrorIs(t, repo.RetireSigningKey(ctx, "bw-missing", base), store.ErrNotFound)

	keys, err = repo.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "bw-a", keys[0].Kid)
	require.False(t, keys[0].IsActive())
	require.True(t, keys[1].IsActive())
	require.Equal(t, []byte{0x01, 0x02, 0x01}, keys[1].PrivateKeySealed)
}
