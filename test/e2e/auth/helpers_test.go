package auth_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aussiebroadwan/bluewhale/internal/auth/app"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
)

/*
 * End-to-end tests run two replicas of the auth service in process, sharing
 * a postgres container for state and a redis container for rate limits.
 * Clients talk to them over real HTTP with cookie jars.
 */

const (
	csrfSecret = "e2e-csrf-secret-e2e-csrf-secret-e2e"
	password   = "correct horse battery"
)

// stack is one shared backend and the replicas serving it.
type stack struct {
	replicas []string
}

// startContainer runs image until logLine has appeared occurrences times
// and returns host:port for the exposed port. The test is skipped when
// Docker is unavailable.
func startContainer(t *testing.T, image, port, logLine string, occurrences int, env map[string]string) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{port + "/tcp"},
		Env:          env,
		WaitingFor: wait.ForLog(logLine).
			WithOccurrence(occurrences).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

// startStack starts postgres and redis, then n replicas configured
// alike: persistent keys under one master key, one pepper and one CSRF
// secret. mutate adjusts the shared configuration.
func startStack(t *testing.T, n int, mutate func(*app.Config)) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("end-to-end test skipped in -short mode")
	}

	pg := startContainer(t, "postgres:16-alpine", "5432",
		"database system is ready to accept connections", 2,
		map[string]string{
			"POSTGRES_USER":     "bluewhale",
			"POSTGRES_PASSWORD": "bluewhale",
			"POSTGRES_DB":       "auth",
		})
	rd := startContainer(t, "redis:7-alpine", "6379", "Ready to accept connections", 1, nil)

	dir := t.TempDir()
	masterKey := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(masterKey, []byte("e2e-master-key"), 0o600))
	t.Setenv(cryptox.MasterKeyEnv, "")

	cfg := app.DefaultConfig()
	cfg.LogLevel = "error"
	cfg.DatabaseDriver = "postgres"
	cfg.DatabaseURL = fmt.Sprintf("postgres://bluewhale:bluewhale@%s/auth?sslmode=disable", pg)
	cfg.KeyStorageMode = "persistent"
	cfg.MasterKeyPath = masterKey
	cfg.PepperFile = filepath.Join(dir, "pepper")
	cfg.CSRFSecret = csrfSecret
	cfg.CookieSecure = false // httptest serves plain HTTP
	cfg.RateLimitBackend = "redis"
	cfg.RedisAddr = rd
	cfg.RegisterLimit = 100
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	s := &stack{}
	for range n {
		application, err := app.New(cfg)
		require.NoError(t, err)
		srv := httptest.NewServer(application.Handler())
		t.Cleanup(func() {
			srv.Close()
			_ = application.Close()
		})
		s.replicas = append(s.replicas, srv.URL)
	}
	return s
}

func (s *stack) client(t *testing.T, replica int) *authsdk.Client {
	t.Helper()
	c, err := authsdk.NewClient(s.replicas[replica])
	require.NoError(t, err)
	return c
}

func (s *stack) register(t *testing.T, username string) {
	t.Helper()
	_, err := s.client(t, 0).Register(context.Background(), authsdk.RegisterRequest{
		Username:      username,
		Password:      password,
		PreferredName: username,
	})
	require.NoError(t, err)
}

func (s *stack) login(t *testing.T, replica int, username string) *authsdk.Client {
	t.Helper()
	c := s.client(t, replica)
	resp, err := c.Login(context.Background(), username, password, "")
	require.NoError(t, err)
	require.False(t, resp.MFARequired)
	require.True(t, c.HasSession())
	return c
}

// handoff copies from's cookies into a new client for replica, as a load
// balancer moving a browser between instances would.
func (s *stack) handoff(t *testing.T, from *authsdk.Client, replica int) *authsdk.Client {
	t.Helper()
	to := s.client(t, replica)

	src, err := url.Parse(from.BaseURL + "/auth/refresh")
	require.NoError(t, err)
	dst, err := url.Parse(to.BaseURL)
	require.NoError(t, err)

	var cookies []*http.Cookie
	for _, ck := range from.HTTPClient.Jar.Cookies(src) {
		path := "/"
		if ck.Name == authsdk.CookieRefreshToken {
			path = "/auth"
		}
		cookies = append(cookies, &http.Cookie{Name: ck.Name, Value: ck.Value, Path: path})
	}
	to.HTTPClient.Jar.SetCookies(dst, cookies)
	return to
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}
