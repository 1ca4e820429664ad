package httpx

import (
	"net/http"
	"strings"

	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// AccessVerifier checks a raw access token.
type AccessVerifier interface {
	VerifyAccessToken(raw string) (jwtx.Claims, error)
}

// ErrorWriter renders an authentication failure. err is nil when no token
// was presented at all.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// AuthnMiddleware requires a valid access token, read from cookieName and
// falling back to an Authorization: Bearer header for non-browser callers.
// A nil onError writes an RFC 6750 bearer challenge.
func AuthnMiddleware(v AccessVerifier, cookieName string, onError ErrorWriter) Middleware {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			desc := "missing access token"
			if err != nil {
				desc = "token verification failed"
			}
			writeBearerError(w, desc)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := AccessToken(r, cookieName)
			if raw == "" {
				onError(w, r, nil)
				return
			}

			claims, err := v.VerifyAccessToken(raw)
			if err != nil {
				slogx.FromContext(r.Context()).Debug("access token rejected", "err", err)
				onError(w, r, err)
				return
			}

			ctx := ContextWithClaims(r.Context(), claims)
			ctx = slogx.With(ctx, "user_id", claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessToken extracts the raw access token from the cookie or bearer header.
func AccessToken(r *http.Request, cookieName string) string {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}

	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// RFC 6750 error response for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
