package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/ratelimit"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

func TestAuthService_LoginWithoutMFA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")

	res, err := env.auth.Login(ctx, LoginRequest{Username: "Alice", Password: "correct horse", Meta: testMeta})
	require.NoError(t, err)
	require.False(t, res.MFARequired)
	require.Equal(t, alice.ID, res.Tokens.UserID)
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)

	sessions, err := env.auth.ListSessions(ctx, alice.ID, res.Tokens.RefreshToken)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Current)

	claims, err := env.tokens.VerifyAccessToken(res.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{jwtx.AMRPassword}, claims.AMR)
}

func TestAuthService_LoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "correct horse")

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "battery staple"},
		{"unknown user", "nobody", "correct horse"},
		{"empty password", "alice", ""},
		{"empty username", "", "correct horse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Login(ctx, LoginRequest{Username: tt.username, Password: tt.password})
			require.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestAuthService_LoginWithMFA(t *testing.T) {
	ctx := context.Background()

	t.Run("password then code", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.register(t, "bob", "correct horse")
		secret, _ := env.enableMFA(t, bob.ID)

		res, err := env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse", Meta: testMeta})
		require.NoError(t, err)
		require.True(t, res.MFARequired)
		require.Equal(t, "bob", res.Username)
		require.NotEmpty(t, res.MFAToken)
		require.Empty(t, res.Tokens.AccessToken)

		sessions, err := env.auth.ListSessions(ctx, bob.ID, "")
		require.NoError(t, err)
		require.Empty(t, sessions)

		_, err = env.auth.VerifyMFA(ctx, MFAVerifyRequest{Username: "bob", MFAToken: res.MFAToken, Code: "000000", Meta: testMeta})
		require.ErrorIs(t, err, ErrInvalidMFACode)

		sessions, err = env.auth.ListSessions(ctx, bob.ID, "")
		require.NoError(t, err)
		require.Empty(t, sessions)

		pair, err := env.auth.VerifyMFA(ctx, MFAVerifyRequest{Username: "bob", MFAToken: res.MFAToken, Code: env.code(t, secret, 0), Meta: testMeta})
		require.NoError(t, err)
		require.Equal(t, bob.ID, pair.UserID)

		claims, err := env.tokens.VerifyAccessToken(pair.AccessToken)
		require.NoError(t, err)
		require.Equal(t, []string{jwtx.AMRPassword, jwtx.AMROTP, jwtx.AMRMFA}, claims.AMR)
	})

	t.Run("code with password in one request", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.register(t, "bob", "correct horse")
		secret, _ := env.enableMFA(t, bob.ID)

		res, err := env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse", MFACode: env.code(t, secret, 0), Meta: testMeta})
		require.NoError(t, err)
		require.False(t, res.MFARequired)
		require.NotEmpty(t, res.Tokens.RefreshToken)
	})

	t.Run("used backup code reads as invalid code", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.register(t, "bob", "correct horse")
		_, codes := env.enableMFA(t, bob.ID)

		res, err := env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse", MFACode: codes[0], Meta: testMeta})
		require.NoError(t, err)
		claims, err := env.tokens.VerifyAccessToken(res.Tokens.AccessToken)
		require.NoError(t, err)
		require.True(t, claims.HasAMR(jwtx.AMRBackup))

		_, err = env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse", MFACode: codes[0], Meta: testMeta})
		require.ErrorIs(t, err, ErrInvalidMFACode)
	})

	t.Run("challenge must match the username", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.register(t, "bob", "correct horse")
		env.register(t, "carol", "correct horse")
		secret, _ := env.enableMFA(t, bob.ID)

		res, err := env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse"})
		require.NoError(t, err)

		_, err = env.auth.VerifyMFA(ctx, MFAVerifyRequest{Username: "carol", MFAToken: res.MFAToken, Code: env.code(t, secret, 0)})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("expired challenge", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.register(t, "bob", "correct horse")
		secret, _ := env.enableMFA(t, bob.ID)

		res, err := env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse"})
		require.NoError(t, err)

		env.clock.Advance(jwtx.DefaultChallengeTTL + time.Second)
		_, err = env.auth.VerifyMFA(ctx, MFAVerifyRequest{Username: "bob", MFAToken: res.MFAToken, Code: env.code(t, secret, 0)})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("missing code", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.auth.VerifyMFA(ctx, MFAVerifyRequest{Username: "bob", MFAToken: "x"})
		require.ErrorIs(t, err, ErrInvalidMFACode)
	})
}

func TestAuthService_LogoutAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")

	var refresh []string
	for range 3 {
		res, err := env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
		require.NoError(t, err)
		refresh = append(refresh, res.Tokens.RefreshToken)
	}

	n, err := env.auth.LogoutAll(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, raw := range refresh {
		_, err := env.auth.Refresh(ctx, raw, testMeta)
		require.ErrorIs(t, err, ErrTokenRevoked)
	}
}

func TestAuthService_LogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "correct horse")

	res, err := env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
	require.NoError(t, err)

	require.NoError(t, env.auth.Logout(ctx, res.Tokens.RefreshToken))
	require.NoError(t, env.auth.Logout(ctx, res.Tokens.RefreshToken))

	_, err = env.auth.Refresh(ctx, res.Tokens.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestAuthService_LoginRateLimit(t *testing.T) {
	ctx := context.Background()
	policy := ratelimit.DefaultPolicies()[ratelimit.ClassLogin]

	t.Run("per ip", func(t *testing.T) {
		env := newTestEnv(t)
		env.auth.LimitByUsername = false
		env.register(t, "alice", "correct horse")

		for range policy.Limit {
			_, err := env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "wrong password", Meta: testMeta})
			require.ErrorIs(t, err, ErrInvalidCredentials)
		}

		// Even the right password is refused while limited.
		_, err := env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
		le, ok := ratelimit.IsLimited(err)
		require.True(t, ok)
		require.Equal(t, ratelimit.ClassLogin, le.Class)
		require.Positive(t, le.RetryAfter)

		// Another address is not affected.
		_, err = env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: domain.DeviceMeta{IP: "198.51.100.7"}})
		require.NoError(t, err)

		env.clock.Advance(policy.Window)
		_, err = env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
		require.NoError(t, err)
	})

	t.Run("per username across addresses", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "alice", "correct horse")

		for i := range policy.Limit {
			meta := domain.DeviceMeta{IP: fmt.Sprintf("203.0.113.%d", i+1)}
			_, err := env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "wrong password", Meta: meta})
			require.ErrorIs(t, err, ErrInvalidCredentials)
		}

		_, err := env.auth.Login(ctx, LoginRequest{Username: "ALICE", Password: "correct horse", Meta: domain.DeviceMeta{IP: "198.51.100.7"}})
		_, ok := ratelimit.IsLimited(err)
		require.True(t, ok)
	})

	t.Run("mfa failures count too", func(t *testing.T) {
		env := newTestEnv(t)
		env.auth.LimitByUsername = false
		bob := env.register(t, "bob", "correct horse")
		env.enableMFA(t, bob.ID)

		for range policy.Limit {
			_, err := env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse", MFACode: "000000", Meta: testMeta})
			if err != nil {
				require.ErrorIs(t, err, ErrInvalidMFACode)
			}
		}
		_, err := env.auth.Login(ctx, LoginRequest{Username: "bob", Password: "correct horse", MFACode: "000000", Meta: testMeta})
		_, ok := ratelimit.IsLimited(err)
		require.True(t, ok)
	})
}

func TestAuthService_RefreshRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	policy := ratelimit.DefaultPolicies()[ratelimit.ClassRefresh]

	for range policy.Limit {
		_, err := env.auth.Refresh(ctx, "unknown", testMeta)
		require.ErrorIs(t, err, ErrTokenUnknown)
	}
	_, err := env.auth.Refresh(ctx, "unknown", testMeta)
	_, ok := ratelimit.IsLimited(err)
	require.True(t, ok)
}

func TestAuthService_Register(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.auth.Register(ctx, RegisterRequest{Username: "  Alice ", Password: "correct horse", PreferredName: "Alice A.", Meta: testMeta})
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, "Alice A.", u.PreferredName)

	tests := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{"taken", RegisterRequest{Username: "ALICE", Password: "correct horse"}, ErrUsernameTaken},
		{"short username", RegisterRequest{Username: "al", Password: "correct horse"}, ErrInvalidInput},
		{"bad characters", RegisterRequest{Username: "al ice", Password: "correct horse"}, ErrInvalidInput},
		{"short password", RegisterRequest{Username: "carol", Password: "short"}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Register(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("rate limited per address", func(t *testing.T) {
		env := newTestEnv(t)
		policy := ratelimit.DefaultPolicies()[ratelimit.ClassRegister]
		for i := range policy.Limit {
			_, err := env.auth.Register(ctx, RegisterRequest{Username: fmt.Sprintf("user%d", i), Password: "correct horse", Meta: testMeta})
			require.NoError(t, err)
		}
		_, err := env.auth.Register(ctx, RegisterRequest{Username: "onemore", Password: "correct horse", Meta: testMeta})
		_, ok := ratelimit.IsLimited(err)
		require.True(t, ok)
	})
}

func TestAuthService_UpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")

	name := "Alice"
	u, err := env.auth.UpdateProfile(ctx, alice.ID, ProfileUpdate{PreferredName: &name})
	require.NoError(t, err)
	require.Equal(t, "Alice", u.PreferredName)

	_, err = env.auth.UpdateProfile(ctx, alice.ID, ProfileUpdate{CurrentPassword: "wrong", NewPassword: "battery staple"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.auth.UpdateProfile(ctx, alice.ID, ProfileUpdate{CurrentPassword: "correct horse", NewPassword: "short"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.auth.UpdateProfile(ctx, alice.ID, ProfileUpdate{CurrentPassword: "correct horse", NewPassword: "battery staple"})
	require.NoError(t, err)

	_, err = env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "battery staple", Meta: testMeta})
	require.NoError(t, err)

	profile, err := env.auth.Profile(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, "Alice", profile.PreferredName)
}

func TestAuthService_DisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")
	require.Nil(t, alice.LastLoginAt)

	res, err := env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
	require.NoError(t, err)

	profile, err := env.auth.Profile(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, profile.LastLoginAt)
	require.True(t, profile.LastLoginAt.Equal(env.clock.Now()))
	require.NoError(t, env.auth.RequireActive(ctx, alice.ID))

	// Disable without revoking, so the refresh path sees a live token.
	u, err := env.users.SetDisabled(ctx, "alice", true)
	require.NoError(t, err)
	require.True(t, u.Disabled())

	require.ErrorIs(t, env.auth.RequireActive(ctx, alice.ID), ErrUnauthenticated)

	_, err = env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.tokens.Rotate(ctx, res.Tokens.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrTokenRevoked)
	sessions, err := env.auth.ListSessions(ctx, alice.ID, "")
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = env.users.SetDisabled(ctx, "nobody", true)
	require.ErrorIs(t, err, ErrUserNotFound)

	u, err = env.auth.SetUserDisabled(ctx, "alice", false)
	require.NoError(t, err)
	require.False(t, u.Disabled())
	_, err = env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
	require.NoError(t, err)
}

func TestAuthService_DisabledAccountRejectsChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")
	secret, _ := env.enableMFA(t, alice.ID)

	res, err := env.auth.Login(ctx, LoginRequest{Username: "alice", Password: "correct horse", Meta: testMeta})
	require.NoError(t, err)
	require.True(t, res.MFARequired)

	_, err = env.auth.SetUserDisabled(ctx, "alice", true)
	require.NoError(t, err)

	_, err = env.auth.VerifyMFA(ctx, MFAVerifyRequest{
		Username: "alice",
		MFAToken: res.MFAToken,
		Code:     env.code(t, secret, 0),
		Meta:     testMeta,
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_SecretAttemptsShareLoginBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "correct horse")

	wrong := ProfileUpdate{CurrentPassword: "wrong", NewPassword: "battery staple"}
	for range 10 {
		_, err := env.auth.UpdateProfile(ctx, alice.ID, wrong)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := env.auth.UpdateProfile(ctx, alice.ID, wrong)
	_, ok := ratelimit.IsLimited(err)
	require.True(t, ok)

	_, ok = ratelimit.IsLimited(env.auth.CheckSecretAttempt(ctx, alice.ID))
	require.True(t, ok)

	env.clock.Advance(time.Minute)
	require.NoError(t, env.auth.CheckSecretAttempt(ctx, alice.ID))
}
