package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/bluewhale/internal/auth/ratelimit"
	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// serviceErrors maps service sentinels onto wire errors. Order does not
// matter; the sentinels are distinct.
var serviceErrors = []struct {
	err error
	api *authsdk.APIError
}{
	{service.ErrInvalidCredentials, authsdk.ErrInvalidCredentials},
	{service.ErrInvalidMFACode, authsdk.ErrInvalidMFACode},
	{service.ErrTokenExpired, authsdk.ErrTokenExpired},
	{service.ErrTokenRevoked, authsdk.ErrTokenRevoked},
	{service.ErrTokenUnknown, authsdk.ErrTokenUnknown},
	{service.ErrBackupCodeAlreadyUsed, authsdk.ErrBackupCodeUsed},
	{service.ErrMFANotEnabled, authsdk.ErrMFANotEnabled},
	{service.ErrMFAAlreadyEnabled, authsdk.ErrMFAAlreadyEnabled},
	{service.ErrMFASetupRequired, authsdk.ErrMFASetupRequired},
	{service.ErrUsernameTaken, authsdk.ErrUsernameTaken},
	{service.ErrSessionNotFound, authsdk.ErrSessionNotFound},
	{service.ErrUserNotFound, authsdk.ErrUserNotFound},
	{service.ErrUnauthenticated, authsdk.ErrUnauthorized},
	{service.ErrStoreUnavailable, authsdk.ErrTemporarilyUnavailable},
	{service.ErrKeysChanged, authsdk.ErrTemporarilyUnavailable},
	{ratelimit.ErrUnavailable, authsdk.ErrTemporarilyUnavailable},
}

// toAPIError classifies err. ok is false for unexpected failures.
func toAPIError(err error) (*authsdk.APIError, bool) {
	if limited, ok := ratelimit.IsLimited(err); ok {
		return authsdk.ErrRateLimited.WithRetryAfter(limited.RetryAfterSeconds()), true
	}
	if errors.Is(err, service.ErrInvalidInput) {
		return authsdk.ErrInvalidRequest.WithDescription(inputDescription(err)), true
	}
	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			return m.api, true
		}
	}
	return authsdk.ErrServerError, false
}

// inputDescription strips the sentinel prefix from a wrapped
// ErrInvalidInput so only the field message reaches the client.
func inputDescription(err error) string {
	_, desc, ok := strings.Cut(err.Error(), service.ErrInvalidInput.Error()+": ")
	if !ok || desc == "" {
		return authsdk.ErrInvalidRequest.Description
	}
	return desc
}

// writeError renders err as a JSON error body. Unexpected errors are
// logged and reported as server_error without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := toAPIError(err)
	log := slogx.FromContext(r.Context())
	switch {
	case !ok:
		log.Error("request failed", "err", err)
	case apiErr.StatusCode >= http.StatusInternalServerError:
		log.Warn("dependency unavailable", "err", err)
	default:
		log.Debug("request rejected", "code", apiErr.Code)
	}
	apiErr.WriteError(w)
}

// isTokenError reports whether err means the refresh token can never be
// used again, so the client must sign in afresh.
func isTokenError(err error) bool {
	return errors.Is(err, service.ErrTokenExpired) ||
		errors.Is(err, service.ErrTokenRevoked) ||
		errors.Is(err, service.ErrTokenUnknown)
}

func writeBadBody(w http.ResponseWriter) {
	authsdk.ErrInvalidRequest.WithDescription("malformed JSON body").WriteError(w)
}

func writeCSRFError(w http.ResponseWriter, _ *http.Request) {
	authsdk.ErrCSRFInvalid.WriteError(w)
}

// writeAuthnError renders AuthnMiddleware failures. An expired access
// token is reported distinctly so clients know a refresh may help.
func writeAuthnError(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, service.ErrTokenExpired) {
		authsdk.ErrTokenExpired.WriteError(w)
		return
	}
	authsdk.ErrUnauthorized.WriteError(w)
}
