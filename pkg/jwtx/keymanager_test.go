package jwtx_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newEphemeral(t *testing.T, opts jwtx.KeyManagerOptions) *jwtx.KeyManager {
	t.Helper()
	if opts.Issuer == "" {
		opts.Issuer = "bluewhale"
	}
	km, err := jwtx.NewEphemeralKeyManager(opts)
	require.NoError(t, err)
	return km
}

func TestNewEphemeralKeyManager(t *testing.T) {
	tests := []struct {
		name    string
		numKeys int
		want    int
	}{
		{"default", 0, 2},
		{"single", 1, 1},
		{"capped", 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km := newEphemeral(t, jwtx.KeyManagerOptions{NumKeys: tt.numKeys})
			require.True(t, km.IsReady())
			require.Equal(t, tt.want, km.NumSigners())
			require.Len(t, km.KeySet.PublicJWKS().Keys, tt.want)
		})
	}
}

func TestNewEphemeralKeyManager_RequiresIssuer(t *testing.T) {
	_, err := jwtx.NewEphemeralKeyManager(jwtx.KeyManagerOptions{})
	require.Error(t, err)
}

func TestKeyManager_SignAndVerify(t *testing.T) {
	km := newEphemeral(t, jwtx.KeyManagerOptions{NumKeys: 3})

	claims := jwtx.NewAccessClaims("user-1", "alice", "sess-1", []string{jwtx.AMRPassword}, "bluewhale", time.Minute, time.Now())
	token, err := km.Sign(claims)
	require.NoError(t, err)

	got, err := km.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Subject)
	require.Equal(t, "sess-1", got.SID)
	require.Equal(t, jwtx.TypeAccess, got.Type)
}

func TestKeyManager_VerifyRejects(t *testing.T) {
	now := time.Now()
	km := newEphemeral(t, jwtx.KeyManagerOptions{})
	other := newEphemeral(t, jwtx.KeyManagerOptions{})

	sign := func(km *jwtx.KeyManager, c jwtx.Claims) string {
		tok, err := km.Sign(c)
		require.NoError(t, err)
		return tok
	}
	valid := jwtx.NewAccessClaims("u", "alice", "s", nil, "bluewhale", time.Minute, now)
	expired := jwtx.NewAccessClaims("u", "alice", "s", nil, "bluewhale", time.Minute, now.Add(-time.Hour))
	wrongIssuer := jwtx.NewAccessClaims("u", "alice", "s", nil, "elsewhere", time.Minute, now)

	good := sign(km, valid)
	tampered := good[:len(good)-4] + "AAAA"
	if tampered == good {
		tampered = good[:len(good)-4] + "BBBB"
	}

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, valid)
	hs.Header["kid"] = km.GetSigner().KID()
	hsToken, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-jwt", jwtx.ErrMalformed},
		{"expired", sign(km, expired), jwtx.ErrExpired},
		{"wrong issuer", sign(km, wrongIssuer), jwtx.ErrIssuer},
		{"foreign key", sign(other, valid), jwtx.ErrUnknownKID},
		{"tampered signature", tampered, jwtx.ErrInvalidSig},
		{"hmac downgrade", hsToken, jwtx.ErrInvalidSig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := km.Verify(tt.token)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestKeyManager_VerifyUsesClock(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	km := newEphemeral(t, jwtx.KeyManagerOptions{Clock: func() time.Time { return now }})

	tok, err := km.Sign(jwtx.NewAccessClaims("u", "a", "s", nil, "bluewhale", time.Minute, now))
	require.NoError(t, err)

	_, err = km.Verify(tok)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = km.Verify(tok)
	require.ErrorIs(t, err, jwtx.ErrExpired)
}

func TestKeyManager_RetireSigner(t *testing.T) {
	km := newEphemeral(t, jwtx.KeyManagerOptions{NumKeys: 2})
	signers := km.SignerKIDs()
	require.Len(t, signers, 2)

	retired := signers[0]
	// A token signed before retirement must still verify afterwards.
	var token string
	for {
		s := km.GetSigner()
		if s.KID() != retired {
			continue
		}
		var err error
		token, err = s.Sign(jwtx.NewAccessClaims("u", "a", "s", nil, "bluewhale", time.Minute, time.Now()))
		require.NoError(t, err)
		break
	}

	require.NoError(t, km.RetireSigner(retired))
	require.Equal(t, 1, km.NumSigners())
	require.Equal(t, signers[1], km.GetSigner().KID())
	require.Equal(t, []string{signers[1]}, km.SignerKIDs())
	require.Len(t, km.KeySet.PublicJWKS().Keys, 2, "retired key still published")

	_, err := km.Verify(token)
	require.NoError(t, err)

	require.Error(t, km.RetireSigner(signers[1]), "last key cannot be retired")
	require.Error(t, newEphemeral(t, jwtx.KeyManagerOptions{NumKeys: 3}).RetireSigner("missing"))
}

type memKeyStore struct {
	mu   sync.Mutex
	keys []jwtx.SigningKeyRecord
}

func (m *memKeyStore) ListSigningKeys(context.Context) ([]jwtx.SigningKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jwtx.SigningKeyRecord(nil), m.keys...), nil
}

func (m *memKeyStore) CreateSigningKey(_ context.Context, k jwtx.SigningKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k)
	return nil
}

func TestPersistentKeyManager_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := &memKeyStore{}
	box, err := cryptox.NewSecretBox([]byte("master"))
	require.NoError(t, err)
	opts := jwtx.KeyManagerOptions{Issuer: "bluewhale", NumKeys: 2}

	first, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)
	require.Len(t, store.keys, 2)
	for _, k := range store.keys {
		require.NotContains(t, string(k.PrivateKeySealed), "PRIVATE KEY")
	}

	token, err := first.Sign(jwtx.NewAccessClaims("u", "a", "s", nil, "bluewhale", time.Minute, time.Now()))
	require.NoError(t, err)

	second, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)
	require.Len(t, store.keys, 2, "existing keys are reused")

	_, err = second.Verify(token)
	require.NoError(t, err)
}

func TestPersistentKeyManager_RetiredKeysOnlyVerify(t *testing.T) {
	ctx := context.Background()
	store := &memKeyStore{}
	box, err := cryptox.NewSecretBox([]byte("master"))
	require.NoError(t, err)
	opts := jwtx.KeyManagerOptions{Issuer: "bluewhale", NumKeys: 1}

	first, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)
	token, err := first.Sign(jwtx.NewAccessClaims("u", "a", "s", nil, "bluewhale", time.Minute, time.Now()))
	require.NoError(t, err)

	retiredAt := time.Now()
	store.keys[0].RetiredAt = &retiredAt

	second, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)
	require.Len(t, store.keys, 2, "a replacement key is generated")
	require.Equal(t, store.keys[1].Kid, second.GetSigner().KID())

	_, err = second.Verify(token)
	require.NoError(t, err)
}

func TestPersistentKeyManager_WrongMasterKey(t *testing.T) {
	ctx := context.Background()
	store := &memKeyStore{}
	box, _ := cryptox.NewSecretBox([]byte("master"))
	other, _ := cryptox.NewSecretBox([]byte("different"))
	opts := jwtx.KeyManagerOptions{Issuer: "bluewhale", NumKeys: 1}

	_, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)

	_, err = jwtx.NewPersistentKeyManager(ctx, store, other, opts)
	require.ErrorIs(t, err, cryptox.ErrDecrypt)
}

func TestKeyManager_Reload(t *testing.T) {
	ctx := context.Background()
	store := &memKeyStore{}
	box, err := cryptox.NewSecretBox([]byte("master"))
	require.NoError(t, err)
	opts := jwtx.KeyManagerOptions{Issuer: "bluewhale", NumKeys: 1}

	first, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)
	second, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)
	oldToken, err := second.Sign(jwtx.NewAccessClaims("u", "a", "s", nil, "bluewhale", time.Minute, time.Now()))
	require.NoError(t, err)

	changed, err := first.Reload(ctx, store, box)
	require.NoError(t, err)
	require.False(t, changed)

	// Another instance retires the key and stores a replacement.
	retiredAt := time.Now()
	store.keys[0].RetiredAt = &retiredAt
	third, err := jwtx.NewPersistentKeyManager(ctx, store, box, opts)
	require.NoError(t, err)
	newToken, err := third.Sign(jwtx.NewAccessClaims("u", "a", "s", nil, "bluewhale", time.Minute, time.Now()))
	require.NoError(t, err)

	_, err = first.Verify(newToken)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)

	changed, err = first.Reload(ctx, store, box)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{store.keys[1].Kid}, first.SignerKIDs())

	_, err = first.Verify(newToken)
	require.NoError(t, err)
	_, err = first.Verify(oldToken)
	require.NoError(t, err, "retired keys keep verifying")

	other, err := cryptox.NewSecretBox([]byte("different"))
	require.NoError(t, err)
	_, err = second.Reload(ctx, store, other)
	require.ErrorIs(t, err, cryptox.ErrDecrypt)
}
