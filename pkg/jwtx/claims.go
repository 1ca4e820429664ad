package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token lifetimes used when configuration does not override them.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultChallengeTTL    = 5 * time.Minute
)

// Token types carried in the "typ" claim. A challenge token must never be
// accepted where an access token is expected, and vice versa.
const (
	TypeAccess       = "access"
	TypeMFAChallenge = "mfa_challenge"
)

// Authentication method references for the "amr" claim.
const (
	AMRPassword = "pwd"
	AMROTP      = "otp"
	AMRBackup   = "backup"
	AMRMFA      = "mfa"
)

// Claims are the claims of every token this service signs.
type Claims struct {
	jwt.RegisteredClaims

	// Type distinguishes access tokens from MFA challenge tokens.
	Type string `json:"typ"`

	// SID is the login session; it stays the same across refresh rotations.
	SID string `json:"sid,omitempty"`

	// AMR lists how the user authenticated, e.g. ["pwd","otp","mfa"].
	AMR []string `json:"amr,omitempty"`

	Username string `json:"username,omitempty"`
}

// NewAccessClaims builds access-token claims for a session.
func NewAccessClaims(subject, username, sid string, amr []string, issuer string, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: registered(subject, issuer, ttl, now),
		Type:             TypeAccess,
		SID:              sid,
		AMR:              amr,
		Username:         username,
	}
}

// NewChallengeClaims builds the claims of a pending MFA login. The token
// proves the password step succeeded for subject until it expires.
func NewChallengeClaims(subject, username, issuer string, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: registered(subject, issuer, ttl, now),
		Type:             TypeMFAChallenge,
		AMR:              []string{AMRPassword},
		Username:         username,
	}
}

func registered(subject, issuer string, ttl time.Duration, now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        NewJTI(),
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ValidateIssuer checks the issuer. An empty expectation is not enforced.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil
	}
	if c.Issuer != expected {
		return ErrIssuer
	}
	return nil
}

// ValidateType checks the "typ" claim.
func (c *Claims) ValidateType(expected string) error {
	if c.Type != expected {
		return ErrTokenType
	}
	return nil
}

// ValidateExpiry checks exp and nbf at now, allowing leeway for clock skew.
func (c *Claims) ValidateExpiry(now time.Time, leeway time.Duration) error {
	if c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Add(leeway)) {
		return ErrExpired
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-leeway)) {
		return ErrNotYetValid
	}
	return nil
}

// HasAMR reports whether method is in the amr claim.
func (c *Claims) HasAMR(method string) bool {
	for _, m := range c.AMR {
		if m == method {
			return true
		}
	}
	return false
}
