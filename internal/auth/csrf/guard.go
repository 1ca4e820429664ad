// Package csrf implements double-submit CSRF protection. The token is set
// in a cookie the browser application can read and must be echoed in a
// request header on every state-changing request. Tokens are signed with a
// server secret so a cookie injected by a sibling subdomain is rejected.
package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

const (
	DefaultCookieName = "csrf_token"
	DefaultHeaderName = "X-CSRF-Token"

	minSecretLen = 32
)

var ErrInvalid = errors.New("csrf: token missing or invalid")

type Config struct {
	Secret     []byte
	CookieName string
	HeaderName string
	Secure     bool
	SameSite   http.SameSite
}

type Guard struct {
	secret     []byte
	cookieName string
	headerName string
	secure     bool
	sameSite   http.SameSite
}

func New(cfg Config) (*Guard, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("csrf secret must be at least %d bytes, got %d", minSecretLen, len(cfg.Secret))
	}
	g := &Guard{
		secret:     append([]byte(nil), cfg.Secret...),
		cookieName: cfg.CookieName,
		headerName: cfg.HeaderName,
		secure:     cfg.Secure,
		sameSite:   cfg.SameSite,
	}
	if g.cookieName == "" {
		g.cookieName = DefaultCookieName
	}
	if g.headerName == "" {
		g.headerName = DefaultHeaderName
	}
	if g.sameSite == 0 {
		g.sameSite = http.SameSiteLaxMode
	}
	return g, nil
}

func (g *Guard) CookieName() string { return g.cookieName }
func (g *Guard) HeaderName() string { return g.headerName }

// Issue returns a fresh token: random nonce "." HMAC(secret, nonce).
func (g *Guard) Issue() (string, error) {
	nonce, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}
	return nonce + "." + g.sign(nonce), nil
}

func (g *Guard) sign(nonce string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify requires both tokens to be present, equal and carry a valid
// signature.
func (g *Guard) Verify(requestToken, cookieToken string) error {
	if requestToken == "" || cookieToken == "" {
		return ErrInvalid
	}
	if !cryptox.Equal(requestToken, cookieToken) {
		return ErrInvalid
	}
	nonce, sig, ok := strings.Cut(cookieToken, ".")
	if !ok || nonce == "" {
		return ErrInvalid
	}
	if !cryptox.Equal(sig, g.sign(nonce)) {
		return ErrInvalid
	}
	return nil
}

// SetCookie delivers token in a readable, session-scoped cookie.
func (g *Guard) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   g.secure,
		SameSite: g.sameSite,
	})
}

// Token reads the cookie token from r, or "" if absent.
func (g *Guard) Token(r *http.Request) string {
	c, err := r.Cookie(g.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// Check validates r. Safe methods always pass.
func (g *Guard) Check(r *http.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}
	return g.Verify(r.Header.Get(g.headerName), g.Token(r))
}

// Middleware rejects unsafe requests that fail Check before any later
// handler runs. onError renders the rejection.
func (g *Guard) Middleware(onError func(w http.ResponseWriter, r *http.Request)) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.Check(r); err != nil {
				slogx.FromContext(r.Context()).Warn("csrf check failed",
					"method", r.Method,
					"path", r.URL.Path,
				)
				onError(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
