package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/csrf"
	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/ratelimit"
	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

const (
	testAdminToken = "admin-token-for-tests"
	testPassword   = "correct horse battery"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	*httptest.Server
	clock *fakeClock
	users *service.UserService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewStore(sqlite.FileDSN(filepath.Join(t.TempDir(), "auth.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations(ctx))

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	keys, err := jwtx.NewEphemeralKeyManager(jwtx.KeyManagerOptions{Issuer: "bluewhale-test", Clock: clock.Now})
	require.NoError(t, err)

	pepper := []byte("test-pepper-test-pepper-test-pep")
	hasher, err := cryptox.NewPasswordHasher(pepper, cryptox.Argon2Params{
		Memory: 64, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16,
	})
	require.NoError(t, err)
	box, err := cryptox.NewSecretBox([]byte("test-master-key"))
	require.NoError(t, err)

	guard, err := csrf.New(csrf.Config{Secret: []byte("csrf-secret-csrf-secret-csrf-sec")})
	require.NoError(t, err)

	limiter := ratelimit.New(
		ratelimit.NewMemoryStore().WithClock(clock.Now),
		ratelimit.DefaultPolicies(),
	).WithClock(clock.Now)

	tokens := &service.TokenService{Store: st, Keys: keys, Issuer: "bluewhale-test", Clock: clock.Now}
	users := &service.UserService{Store: st, Hasher: hasher, Clock: clock.Now}
	authSvc := &service.AuthService{
		Credentials: &service.CredentialService{Store: st, Hasher: hasher},
		MFA: &service.MFAService{
			Store:  st,
			Box:    box,
			TOTP:   &service.TOTPEngine{Issuer: "BlueWhale"},
			Pepper: pepper,
			Clock:  clock.Now,
		},
		Tokens:          tokens,
		Sessions:        &service.SessionService{Store: st, Clock: clock.Now},
		Users:           users,
		Limiter:         limiter,
		LimitByUsername: true,
		Clock:           clock.Now,
	}

	router := NewRouter(keys, guard, "test", st, slogx.Discard())
	router.AuthService = authSvc
	router.KeyRotationService = &service.KeyRotationService{Keys: keys, Clock: clock.Now}
	router.AdminToken = testAdminToken
	router.Cookies = CookieConfig{
		SameSite:   http.SameSiteStrictMode,
		AccessTTL:  jwtx.DefaultAccessTokenTTL,
		RefreshTTL: jwtx.DefaultRefreshTokenTTL,
	}
	router.ApplyRoutes()

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, clock: clock, users: users}
}

func (s *testServer) register(t *testing.T, username string) domain.User {
	t.Helper()
	u, err := s.users.Create(context.Background(), username, testPassword, "")
	require.NoError(t, err)
	return u
}

func (s *testServer) client(t *testing.T) *authsdk.Client {
	t.Helper()
	c, err := authsdk.NewClient(s.URL)
	require.NoError(t, err)
	return c
}

// login signs username in on a fresh client.
func (s *testServer) login(t *testing.T, username string) *authsdk.Client {
	t.Helper()
	c := s.client(t)
	resp, err := c.Login(context.Background(), username, testPassword, "")
	require.NoError(t, err)
	require.False(t, resp.MFARequired)
	return c
}

func (s *testServer) code(t *testing.T, secret string) string {
	t.Helper()
	c, err := totp.GenerateCodeCustom(secret, s.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return c
}

// refreshCookie returns the refresh token held by c.
func (s *testServer) refreshCookie(t *testing.T, c *authsdk.Client) string {
	t.Helper()
	u, err := url.Parse(s.URL + "/auth/refresh")
	require.NoError(t, err)
	for _, ck := range c.HTTPClient.Jar.Cookies(u) {
		if ck.Name == authsdk.CookieRefreshToken {
			return ck.Value
		}
	}
	return ""
}

// clientWithRefresh builds a client holding only the given refresh token.
func (s *testServer) clientWithRefresh(t *testing.T, token string) *authsdk.Client {
	t.Helper()
	c := s.client(t)
	u, err := url.Parse(s.URL + "/auth")
	require.NoError(t, err)
	c.HTTPClient.Jar.SetCookies(u, []*http.Cookie{{Name: authsdk.CookieRefreshToken, Value: token, Path: "/auth"}})
	return c
}

func TestPasswordLoginListsCurrentSession(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.register(t, "alice")

	c := srv.client(t)
	resp, err := c.Login(ctx, "alice", testPassword, "")
	require.NoError(t, err)
	require.False(t, resp.MFARequired)
	require.Equal(t, alice.ID, resp.UserID)
	require.Equal(t, 3600, resp.ExpiresIn)
	require.NotEmpty(t, resp.CSRFToken)
	require.Equal(t, resp.CSRFToken, c.CSRFToken(), "login must rotate the CSRF cookie")
	require.True(t, c.HasSession())

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Current)
	require.Equal(t, "Go-http-client/1.1", sessions[0].UserAgent)
	require.Equal(t, "127.0.0.1", sessions[0].IP)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", me.Username)
	require.False(t, me.MFAEnabled)
}

func TestLoginFailuresDoNotRevealUsers(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "not the password"},
		{"unknown user", "mallory", testPassword},
		{"empty password", "alice", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := srv.client(t)
			_, err := c.Login(ctx, tt.username, tt.password, "")
			require.ErrorIs(t, err, authsdk.ErrInvalidCredentials)
			require.False(t, c.HasSession())
		})
	}
}

func TestMFALogin(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "bob")

	// Enroll over HTTP.
	c := srv.login(t, "bob")
	setup, err := c.MFASetup(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/"))
	require.NotEmpty(t, setup.QRCodePNG)

	backup, err := c.MFAEnable(ctx, srv.code(t, setup.Secret))
	require.NoError(t, err)
	require.Len(t, backup, domain.BackupCodeCount)
	srv.clock.Advance(30 * time.Second)

	status, err := c.MFAStatus(ctx)
	require.NoError(t, err)
	require.True(t, status.Enabled)
	require.Equal(t, domain.BackupCodeCount, status.BackupCodesRemaining)

	t.Run("password alone asks for a second factor", func(t *testing.T) {
		b := srv.client(t)
		resp, err := b.Login(ctx, "bob", testPassword, "")
		require.NoError(t, err)
		require.True(t, resp.MFARequired)
		require.Equal(t, "bob", resp.Username)
		require.NotEmpty(t, resp.MFAToken)
		require.Equal(t, 300, resp.MFATokenExpiresIn)
		require.False(t, b.HasSession(), "no tokens before the second factor")

		_, err = b.VerifyMFA(ctx, "bob", resp.MFAToken, "000000")
		require.ErrorIs(t, err, authsdk.ErrInvalidMFACode)
		require.False(t, b.HasSession())

		done, err := b.VerifyMFA(ctx, "bob", resp.MFAToken, srv.code(t, setup.Secret))
		require.NoError(t, err)
		require.False(t, done.MFARequired)
		require.True(t, b.HasSession())

		_, err = b.Me(ctx)
		require.NoError(t, err)
	})

	t.Run("replayed code is rejected", func(t *testing.T) {
		b := srv.client(t)
		_, err := b.Login(ctx, "bob", testPassword, srv.code(t, setup.Secret))
		require.ErrorIs(t, err, authsdk.ErrInvalidMFACode)
	})

	t.Run("backup code works once", func(t *testing.T) {
		b := srv.client(t)
		_, err := b.Login(ctx, "bob", testPassword, backup[0])
		require.NoError(t, err)
		require.True(t, b.HasSession())

		again := srv.client(t)
		_, err = again.Login(ctx, "bob", testPassword, backup[0])
		require.ErrorIs(t, err, authsdk.ErrInvalidMFACode)
	})

	t.Run("challenge for another user is rejected", func(t *testing.T) {
		srv.register(t, "carol")
		b := srv.client(t)
		resp, err := b.Login(ctx, "bob", testPassword, "")
		require.NoError(t, err)

		srv.clock.Advance(30 * time.Second)
		_, err = b.VerifyMFA(ctx, "carol", resp.MFAToken, srv.code(t, setup.Secret))
		require.ErrorIs(t, err, authsdk.ErrInvalidCredentials)
	})
}

func TestRefreshRotation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	c := srv.login(t, "alice")
	first := srv.refreshCookie(t, c)

	_, err := c.Refresh(ctx)
	require.NoError(t, err)
	second := srv.refreshCookie(t, c)
	require.NotEqual(t, first, second)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1, "rotation keeps one session")
	require.True(t, sessions[0].Current)

	// Replaying the consumed token ends the whole session.
	thief := srv.clientWithRefresh(t, first)
	_, err = thief.Refresh(ctx)
	require.ErrorIs(t, err, authsdk.ErrTokenRevoked)
	require.False(t, thief.HasSession(), "token errors clear cookies")

	_, err = c.Refresh(ctx)
	require.ErrorIs(t, err, authsdk.ErrTokenRevoked)
	require.True(t, authsdk.IsSessionEnded(err))
}

func TestRefreshErrors(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	t.Run("no cookie", func(t *testing.T) {
		_, err := srv.client(t).Refresh(ctx)
		require.ErrorIs(t, err, authsdk.ErrTokenUnknown)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := srv.clientWithRefresh(t, "not-a-real-token").Refresh(ctx)
		require.ErrorIs(t, err, authsdk.ErrTokenUnknown)
	})

	t.Run("expired token", func(t *testing.T) {
		c := srv.login(t, "alice")
		token := srv.refreshCookie(t, c)
		srv.clock.Advance(jwtx.DefaultRefreshTokenTTL + time.Minute)

		_, err := srv.clientWithRefresh(t, token).Refresh(ctx)
		require.ErrorIs(t, err, authsdk.ErrTokenExpired)
	})
}

func TestExpiredAccessTokenIsRefreshedOnce(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	c := srv.login(t, "alice")
	before := srv.refreshCookie(t, c)
	srv.clock.Advance(jwtx.DefaultAccessTokenTTL + time.Minute)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", me.Username)
	require.NotEqual(t, before, srv.refreshCookie(t, c))

	c.AutoRefresh = false
	srv.clock.Advance(jwtx.DefaultAccessTokenTTL + time.Minute)
	_, err = c.Me(ctx)
	require.ErrorIs(t, err, authsdk.ErrTokenExpired)
}

func TestLogoutIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	c := srv.login(t, "alice")
	token := srv.refreshCookie(t, c)

	require.NoError(t, c.Logout(ctx))
	require.False(t, c.HasSession())
	require.NoError(t, c.Logout(ctx))

	// A second logout with the revoked token still succeeds.
	stale := srv.clientWithRefresh(t, token)
	require.NoError(t, stale.Logout(ctx))

	_, err := srv.clientWithRefresh(t, token).Refresh(ctx)
	require.ErrorIs(t, err, authsdk.ErrTokenRevoked)
}

func TestLogoutAll(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	laptop := srv.login(t, "alice")
	phone := srv.login(t, "alice")

	sessions, err := laptop.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	n, err := laptop.LogoutAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.False(t, laptop.HasSession())

	_, err = phone.Refresh(ctx)
	require.ErrorIs(t, err, authsdk.ErrTokenRevoked)
}

func TestRevokeSingleSession(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")
	srv.register(t, "mallory")

	laptop := srv.login(t, "alice")
	phone := srv.login(t, "alice")

	sessions, err := laptop.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	var other string
	for _, s := range sessions {
		if !s.Current {
			other = s.SessionID
		}
	}
	require.NotEmpty(t, other)

	// Another user cannot see or revoke it.
	err = srv.login(t, "mallory").RevokeSession(ctx, other)
	require.ErrorIs(t, err, authsdk.ErrSessionNotFound)

	require.NoError(t, laptop.RevokeSession(ctx, other))

	_, err = phone.Refresh(ctx)
	require.ErrorIs(t, err, authsdk.ErrTokenRevoked)
	_, err = laptop.Refresh(ctx)
	require.NoError(t, err)
}

func TestCSRF(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	post := func(t *testing.T, c *http.Client, path, csrfToken string) *http.Response {
		t.Helper()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+path, strings.NewReader(`{}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if csrfToken != "" {
			req.Header.Set(authsdk.HeaderCSRFToken, csrfToken)
		}
		resp, err := c.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("login without token", func(t *testing.T) {
		resp := post(t, http.DefaultClient, "/auth/token", "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("rejected before authentication", func(t *testing.T) {
		c := srv.login(t, "alice")

		resp := post(t, c.HTTPClient, "/auth/logout/all", "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = post(t, c.HTTPClient, "/auth/logout/all", "forged.token")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)

		sessions, err := c.Sessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1, "nothing was revoked")
	})

	t.Run("rejected without any session", func(t *testing.T) {
		resp := post(t, http.DefaultClient, "/auth/logout/all", "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("safe methods are exempt", func(t *testing.T) {
		c := srv.login(t, "alice")
		_, err := c.Sessions(ctx)
		require.NoError(t, err)
	})
}

func TestLoginRateLimit(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")

	c := srv.client(t)
	for range 10 {
		_, err := c.Login(ctx, "alice", "wrong password", "")
		require.ErrorIs(t, err, authsdk.ErrInvalidCredentials)
	}

	_, err := c.Login(ctx, "alice", testPassword, "")
	require.ErrorIs(t, err, authsdk.ErrRateLimited)
	var apiErr *authsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Positive(t, apiErr.RetryAfter)

	srv.clock.Advance(time.Minute)
	_, err = c.Login(ctx, "alice", testPassword, "")
	require.NoError(t, err)
}

func TestRegister(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.client(t)

	user, err := c.Register(ctx, authsdk.RegisterRequest{
		Username:      "Dave",
		Password:      testPassword,
		PreferredName: "Dave",
	})
	require.NoError(t, err)
	require.Equal(t, "dave", user.Username)
	require.False(t, c.HasSession(), "registration does not sign in")

	_, err = c.Register(ctx, authsdk.RegisterRequest{Username: "dave", Password: testPassword})
	require.ErrorIs(t, err, authsdk.ErrUsernameTaken)

	_, err = c.Register(ctx, authsdk.RegisterRequest{Username: "eve", Password: "short"})
	require.ErrorIs(t, err, authsdk.ErrInvalidRequest)

	_, err = c.Login(ctx, "dave", testPassword, "")
	require.NoError(t, err)
}

func TestUpdateProfile(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")
	c := srv.login(t, "alice")

	name := "Alice A."
	me, err := c.UpdateMe(ctx, authsdk.UpdateProfileRequest{PreferredName: &name})
	require.NoError(t, err)
	require.Equal(t, name, me.PreferredName)

	_, err = c.UpdateMe(ctx, authsdk.UpdateProfileRequest{CurrentPassword: "nope", NewPassword: "another long password"})
	require.ErrorIs(t, err, authsdk.ErrInvalidCredentials)

	_, err = c.UpdateMe(ctx, authsdk.UpdateProfileRequest{CurrentPassword: testPassword, NewPassword: "another long password"})
	require.NoError(t, err)

	_, err = srv.client(t).Login(ctx, "alice", "another long password", "")
	require.NoError(t, err)
}

func TestSystemEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.client(t)

	live, err := c.Liveness(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", live.Status)
	require.Equal(t, "test", live.Version)

	ready, err := c.Readiness(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", ready.Status)
	require.NotNil(t, ready.Checks)
	require.Equal(t, "ok", ready.Checks.Database)
	require.Equal(t, "ok", ready.Checks.Signer)

	jwks, err := c.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 2)
}

func TestAdminKeyRotation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")
	c := srv.login(t, "alice")

	rotate := func(token string) *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/admin/keys/rotate", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	require.Equal(t, http.StatusUnauthorized, rotate("").StatusCode)
	require.Equal(t, http.StatusUnauthorized, rotate("wrong").StatusCode)
	require.Equal(t, http.StatusOK, rotate(testAdminToken).StatusCode)

	jwks, err := c.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 4, "retired keys stay published")

	// Tokens signed before the rotation still verify.
	_, err = c.Me(ctx)
	require.NoError(t, err)
}

func (s *testServer) admin(t *testing.T, path string) (*http.Response, authsdk.UserResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out authsdk.UserResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestDisabledAccount(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.register(t, "alice")
	c := srv.login(t, "alice")

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.NotNil(t, me.LastLoginAt)
	require.False(t, me.Disabled)

	resp, out := srv.admin(t, "/admin/users/alice/disable")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, out.Disabled)

	// The unexpired access token no longer works and the session is gone.
	c.AutoRefresh = false
	_, err = c.Me(ctx)
	require.ErrorIs(t, err, authsdk.ErrUnauthorized)
	_, err = c.Refresh(ctx)
	require.ErrorIs(t, err, authsdk.ErrTokenRevoked)

	// A disabled account looks like a wrong password.
	_, err = srv.client(t).Login(ctx, "alice", testPassword, "")
	require.ErrorIs(t, err, authsdk.ErrInvalidCredentials)

	resp, out = srv.admin(t, "/admin/users/alice/enable")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, out.Disabled)
	srv.login(t, "alice")

	resp, _ = srv.admin(t, "/admin/users/nobody/disable")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecretChecksSpendLoginBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("mfa codes", func(t *testing.T) {
		srv := newTestServer(t)
		srv.register(t, "bob")
		c := srv.login(t, "bob")
		_, err := c.MFASetup(ctx)
		require.NoError(t, err)

		for range 10 {
			_, err := c.MFAEnable(ctx, "000000")
			require.ErrorIs(t, err, authsdk.ErrInvalidMFACode)
		}
		_, err = c.MFAEnable(ctx, "000000")
		require.ErrorIs(t, err, authsdk.ErrRateLimited)
	})

	t.Run("password changes", func(t *testing.T) {
		srv := newTestServer(t)
		srv.register(t, "alice")
		c := srv.login(t, "alice")

		wrong := authsdk.UpdateProfileRequest{CurrentPassword: "nope", NewPassword: "another long password"}
		for range 10 {
			_, err := c.UpdateMe(ctx, wrong)
			require.ErrorIs(t, err, authsdk.ErrInvalidCredentials)
		}
		_, err := c.UpdateMe(ctx, wrong)
		require.ErrorIs(t, err, authsdk.ErrRateLimited)

		// Name changes do not prove a secret and stay available.
		name := "Alice"
		_, err = c.UpdateMe(ctx, authsdk.UpdateProfileRequest{PreferredName: &name})
		require.NoError(t, err)
	})
}
