package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
)

func TestLoginLimitIsSharedAcrossReplicas(t *testing.T) {
	s := startStack(t, 2, nil)
	ctx := context.Background()
	s.register(t, "alice")

	// Default login policy: 10 per minute per IP.
	for i := range 10 {
		_, err := s.client(t, i%2).Login(ctx, "alice", "wrong password", "")
		require.ErrorIs(t, err, authsdk.ErrInvalidCredentials, "attempt %d", i+1)
	}

	_, err := s.client(t, 0).Login(ctx, "alice", password, "")
	require.ErrorIs(t, err, authsdk.ErrRateLimited)

	var apiErr *authsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Positive(t, apiErr.RetryAfter)
}
