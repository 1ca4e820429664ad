package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
)

// refreshCookiePath scopes the refresh token to the endpoints that need it:
// refresh, logout and session listing.
const refreshCookiePath = "/auth"

// CookieConfig controls the session cookies.
type CookieConfig struct {
	// Secure marks cookies HTTPS-only. Only disable for local development.
	Secure   bool
	SameSite http.SameSite
	Domain   string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (c CookieConfig) sameSite() http.SameSite {
	if c.SameSite == 0 {
		return http.SameSiteLaxMode
	}
	return c.SameSite
}

func (c CookieConfig) cookie(name, value, path string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.sameSite(),
	}
}

// setSessionCookies hands both tokens of pair to the browser.
func (c CookieConfig) setSessionCookies(w http.ResponseWriter, pair domain.TokenPair) {
	http.SetCookie(w, c.cookie(authsdk.CookieAccessToken, pair.AccessToken, "/", c.AccessTTL))
	http.SetCookie(w, c.cookie(authsdk.CookieRefreshToken, pair.RefreshToken, refreshCookiePath, c.RefreshTTL))
}

// clearSessionCookies expires both token cookies.
func (c CookieConfig) clearSessionCookies(w http.ResponseWriter) {
	access := c.cookie(authsdk.CookieAccessToken, "", "/", 0)
	access.MaxAge = -1
	refresh := c.cookie(authsdk.CookieRefreshToken, "", refreshCookiePath, 0)
	refresh.MaxAge = -1
	http.SetCookie(w, access)
	http.SetCookie(w, refresh)
}

func refreshToken(r *http.Request) string {
	c, err := r.Cookie(authsdk.CookieRefreshToken)
	if err != nil {
		return ""
	}
	return c.Value
}
