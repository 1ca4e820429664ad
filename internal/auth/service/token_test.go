package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

func TestTokenService_IssuePair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")

	pair, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
	require.NoError(t, err)
	require.Equal(t, alice.ID, pair.UserID)
	require.NotEmpty(t, pair.SessionID)
	require.Equal(t, env.clock.Now().Add(jwtx.DefaultAccessTokenTTL), pair.AccessExpiresAt)
	require.Equal(t, env.clock.Now().Add(jwtx.DefaultRefreshTokenTTL), pair.RefreshExpiresAt)

	rec, err := env.store.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken(pair.RefreshToken))
	require.NoError(t, err)
	require.False(t, rec.Revoked)
	require.Equal(t, pair.SessionID, rec.SessionID)
	require.Equal(t, testMeta, rec.Device)

	claims, err := env.tokens.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, alice.ID, claims.Subject)
	require.Equal(t, pair.SessionID, claims.SID)
	require.Equal(t, []string{jwtx.AMRPassword}, claims.AMR)
}

func TestTokenService_Rotate(t *testing.T) {
	ctx := context.Background()

	t.Run("old token is single use", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.register(t, "alice", "correct horse")
		first, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
		require.NoError(t, err)

		second, err := env.tokens.Rotate(ctx, first.RefreshToken, testMeta)
		require.NoError(t, err)
		require.NotEqual(t, first.RefreshToken, second.RefreshToken)
		require.Equal(t, first.SessionID, second.SessionID)

		_, err = env.tokens.Rotate(ctx, first.RefreshToken, testMeta)
		require.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("reuse revokes the whole session", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.register(t, "alice", "correct horse")
		first, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
		require.NoError(t, err)
		other, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
		require.NoError(t, err)

		second, err := env.tokens.Rotate(ctx, first.RefreshToken, testMeta)
		require.NoError(t, err)

		_, err = env.tokens.Rotate(ctx, first.RefreshToken, testMeta)
		require.ErrorIs(t, err, ErrTokenRevoked)

		_, err = env.tokens.Rotate(ctx, second.RefreshToken, testMeta)
		require.ErrorIs(t, err, ErrTokenRevoked)

		// Other sessions are untouched.
		_, err = env.tokens.Rotate(ctx, other.RefreshToken, testMeta)
		require.NoError(t, err)
	})

	t.Run("amr survives rotation", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.register(t, "bob", "correct horse")
		amr := []string{jwtx.AMRPassword, jwtx.AMROTP, jwtx.AMRMFA}
		first, err := env.tokens.IssuePair(ctx, bob, amr, testMeta)
		require.NoError(t, err)

		second, err := env.tokens.Rotate(ctx, first.RefreshToken, testMeta)
		require.NoError(t, err)
		claims, err := env.tokens.VerifyAccessToken(second.AccessToken)
		require.NoError(t, err)
		require.Equal(t, amr, claims.AMR)
	})

	t.Run("expired", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.register(t, "alice", "correct horse")
		pair, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
		require.NoError(t, err)

		env.clock.Advance(jwtx.DefaultRefreshTokenTTL + time.Second)
		_, err = env.tokens.Rotate(ctx, pair.RefreshToken, testMeta)
		require.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.tokens.Rotate(ctx, "not-a-real-token", testMeta)
		require.ErrorIs(t, err, ErrTokenUnknown)
		_, err = env.tokens.Rotate(ctx, "", testMeta)
		require.ErrorIs(t, err, ErrTokenUnknown)
	})
}

func TestTokenService_RotateConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")
	pair, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
	require.NoError(t, err)

	const workers = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, workers)
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = env.tokens.Rotate(ctx, pair.RefreshToken, testMeta)
		}()
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrTokenRevoked)
	}
	require.Equal(t, 1, wins)
}

func TestTokenService_Revoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")
	pair, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
	require.NoError(t, err)

	require.NoError(t, env.tokens.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, env.tokens.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, env.tokens.Revoke(ctx, "unknown"))
	require.NoError(t, env.tokens.Revoke(ctx, ""))

	_, err = env.tokens.Rotate(ctx, pair.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestTokenService_RevokeAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")
	bob := env.register(t, "bob", "correct horse")

	var pairs []string
	for range 3 {
		p, err := env.tokens.IssuePair(ctx, alice, []string{jwtx.AMRPassword}, testMeta)
		require.NoError(t, err)
		pairs = append(pairs, p.RefreshToken)
	}
	bobPair, err := env.tokens.IssuePair(ctx, bob, []string{jwtx.AMRPassword}, testMeta)
	require.NoError(t, err)

	n, err := env.tokens.RevokeAll(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, raw := range pairs {
		_, err := env.tokens.Rotate(ctx, raw, testMeta)
		require.ErrorIs(t, err, ErrTokenRevoked)
	}
	_, err = env.tokens.Rotate(ctx, bobPair.RefreshToken, testMeta)
	require.NoError(t, err)
}

func TestTokenService_VerifyAccessToken(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice", "correct horse")

	t.Run("rejects challenge tokens", func(t *testing.T) {
		challenge, _, err := env.tokens.IssueChallenge(alice, env.clock.Now())
		require.NoError(t, err)
		_, err = env.tokens.VerifyAccessToken(challenge)
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := env.tokens.VerifyAccessToken("a.b.c")
		require.ErrorIs(t, err, ErrUnauthenticated)
		_, err = env.tokens.VerifyAccessToken("")
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("expires", func(t *testing.T) {
		access, _, err := env.tokens.IssueAccessToken(alice, "sid", []string{jwtx.AMRPassword}, env.clock.Now())
		require.NoError(t, err)
		env.clock.Advance(jwtx.DefaultAccessTokenTTL + time.Second)
		_, err = env.tokens.VerifyAccessToken(access)
		require.ErrorIs(t, err, ErrTokenExpired)
	})
}

func TestTokenService_VerifyChallenge(t *testing.T) {
	env := newTestEnv(t)
	bob := env.register(t, "bob", "correct horse")

	challenge, exp, err := env.tokens.IssueChallenge(bob, env.clock.Now())
	require.NoError(t, err)
	require.Equal(t, env.clock.Now().Add(jwtx.DefaultChallengeTTL), exp)

	claims, err := env.tokens.VerifyChallenge(challenge)
	require.NoError(t, err)
	require.Equal(t, bob.ID, claims.Subject)

	access, _, err := env.tokens.IssueAccessToken(bob, "sid", nil, env.clock.Now())
	require.NoError(t, err)
	_, err = env.tokens.VerifyChallenge(access)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	env.clock.Advance(jwtx.DefaultChallengeTTL + time.Second)
	_, err = env.tokens.VerifyChallenge(challenge)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}
