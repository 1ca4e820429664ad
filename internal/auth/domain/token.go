package domain

import "time"

// DeviceMeta describes the client a session was issued to.
type DeviceMeta struct {
	UserAgent string
	IP        string
}

// RefreshToken is the stored record of an opaque refresh token. Only the
// fingerprint of the token value is kept.
type RefreshToken struct {
	ID        string
	UserID    string
	SessionID string // stable across rotations of one login
	TokenHash string // base64url SHA-256 of the opaque value
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
	Device    DeviceMeta

	// AMR carries the authentication methods of the original login so
	// rotated access tokens keep them.
	AMR []string
}

// IsActive reports whether the record can still be rotated at now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// TokenPair is what a successful login or rotation hands to the transport.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
	UserID           string
	Username         string
}
