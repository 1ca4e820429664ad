package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/ratelimit"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

// testArgon2Params keeps hashing fast in tests.
var testArgon2Params = cryptox.Argon2Params{
	Memory:      64,
	Iterations:  1,
	Parallelism: 1,
	KeyLength:   32,
	SaltLength:  16,
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   store.Store
	clock   *testClock
	keys    *jwtx.KeyManager
	limits  *ratelimit.MemoryStore
	auth    *AuthService
	tokens  *TokenService
	mfa     *MFAService
	users   *UserService
	session *SessionService
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.NewStore(sqlite.FileDSN(filepath.Join(t.TempDir(), "auth.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations(context.Background()))
	return st
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := newTestStore(t)
	clock := newTestClock()

	keys, err := jwtx.NewEphemeralKeyManager(jwtx.KeyManagerOptions{Issuer: "bluewhale-test", Clock: clock.Now})
	require.NoError(t, err)

	pepper := []byte("test-pepper-test-pepper-test-pep")
	hasher, err := cryptox.NewPasswordHasher(pepper, testArgon2Params)
	require.NoError(t, err)
	box, err := cryptox.NewSecretBox([]byte("test-master-key"))
	require.NoError(t, err)

	limits := ratelimit.NewMemoryStore().WithClock(clock.Now)
	limiter := ratelimit.New(limits, ratelimit.DefaultPolicies()).WithClock(clock.Now)

	tokens := &TokenService{Store: st, Keys: keys, Issuer: "bluewhale-test", Clock: clock.Now}
	mfa := &MFAService{Store: st, Box: box, TOTP: &TOTPEngine{Issuer: "BlueWhale"}, Pepper: pepper, Clock: clock.Now}
	users := &UserService{Store: st, Hasher: hasher, Clock: clock.Now}
	sessions := &SessionService{Store: st, Clock: clock.Now}

	return &testEnv{
		store:   st,
		clock:   clock,
		keys:    keys,
		limits:  limits,
		tokens:  tokens,
		mfa:     mfa,
		users:   users,
		session: sessions,
		auth: &AuthService{
			Credentials:     &CredentialService{Store: st, Hasher: hasher},
			MFA:             mfa,
			Tokens:          tokens,
			Sessions:        sessions,
			Users:           users,
			Limiter:         limiter,
			LimitByUsername: true,
			Clock:           clock.Now,
		},
	}
}

var testMeta = domain.DeviceMeta{UserAgent: "go-test", IP: "192.0.2.10"}

func (e *testEnv) register(t *testing.T, username, password string) domain.User {
	t.Helper()
	u, err := e.users.Create(context.Background(), username, password, "")
	require.NoError(t, err)
	return u
}

// enableMFA turns MFA on for userID and returns the raw secret and the
// backup codes. The clock is moved to the next step so the enabling code
// cannot be replayed by accident.
func (e *testEnv) enableMFA(t *testing.T, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := e.mfa.Setup(ctx, userID)
	require.NoError(t, err)

	codes, err := e.mfa.Enable(ctx, userID, e.code(t, setup.Secret, 0))
	require.NoError(t, err)
	require.Len(t, codes, domain.BackupCodeCount)

	e.clock.Advance(30 * time.Second)
	return setup.Secret, codes
}

// code returns the TOTP code for the step offset steps away from now.
func (e *testEnv) code(t *testing.T, secret string, offset int) string {
	t.Helper()
	at := e.clock.Now().Add(time.Duration(offset) * 30 * time.Second)
	c, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return c
}
