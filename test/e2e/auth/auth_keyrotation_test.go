package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/bluewhale/internal/auth/app"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
)

const adminToken = "e2e-admin-token"

func rotateKeys(t *testing.T, baseURL, token string) (*http.Response, authsdk.RotateKeysResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/admin/keys/rotate", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out authsdk.RotateKeysResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestKeyRotationKeepsSessionsValid(t *testing.T) {
	s := startStack(t, 2, func(cfg *app.Config) { cfg.AdminToken = adminToken })
	ctx := context.Background()
	s.register(t, "alice")

	c := s.login(t, 0, "alice")

	resp, _ := rotateKeys(t, s.replicas[0], "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := rotateKeys(t, s.replicas[0], adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Added, 2)
	require.Len(t, out.Retired, 2)
	require.Equal(t, 2, out.ActiveKeys)

	// Retired keys still verify until their tokens expire.
	_, err := c.Me(ctx)
	require.NoError(t, err)

	jwks, err := c.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 4)

	// A token from the new keys is accepted by the replica that did not
	// rotate, which then publishes and signs with the same keys.
	_, err = c.Refresh(ctx)
	require.NoError(t, err)
	moved := s.handoff(t, c, 1)
	me, err := moved.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", me.Username)

	jwks, err = moved.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 4)

	_, err = moved.Refresh(ctx)
	require.NoError(t, err)
	_, err = s.handoff(t, moved, 0).Me(ctx)
	require.NoError(t, err)
}
