package authsdk

import (
	"time"

	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
)

// Cookie and header names shared by server and client.
const (
	CookieAccessToken  = "access_token"
	CookieRefreshToken = "refresh_token"
	CookieCSRFToken    = "csrf_token"
	HeaderCSRFToken    = "X-CSRF-Token"
)

// ============================================================================
// Login Types
// ============================================================================

// LoginRequest is the body of POST /auth/token.
type LoginRequest struct {
	Username string `json:"username" example:"alice"`
	Password string `json:"password" example:"correct horse battery staple"`

	// MFACode is a TOTP or backup code, for users with MFA enabled.
	MFACode string `json:"mfa_code,omitempty" example:"123456"`
}

// MFAVerifyRequest is the body of POST /auth/mfa/verify. It proves the
// first factor with the mfa_token from the login response, or with the
// password again.
type MFAVerifyRequest struct {
	Username string `json:"username" example:"bob"`
	MFAToken string `json:"mfa_token,omitempty"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code" example:"123456"`
}

// AuthResponse is returned by login, MFA verification and refresh. Tokens
// travel in cookies; the body only describes the session. When
// MFARequired is set no cookies were issued and MFAToken must be passed to
// /auth/mfa/verify.
type AuthResponse struct {
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username"`
	ExpiresIn int    `json:"expires_in,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`

	MFARequired       bool   `json:"mfa_required,omitempty"`
	MFAToken          string `json:"mfa_token,omitempty"`
	MFATokenExpiresIn int    `json:"mfa_token_expires_in,omitempty"`
}

// LogoutAllResponse reports how many sessions were revoked.
type LogoutAllResponse struct {
	Revoked int `json:"revoked"`
}

// ============================================================================
// Session Types
// ============================================================================

// SessionInfo describes one active session. The token itself is never
// returned.
type SessionInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent string    `json:"user_agent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Current   bool      `json:"current"`
}

type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ============================================================================
// User Types
// ============================================================================

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username      string `json:"username" example:"alice"`
	Password      string `json:"password" example:"correct horse battery staple"`
	PreferredName string `json:"preferred_name,omitempty" example:"Alice"`
}

// UserResponse is a user's public profile.
type UserResponse struct {
	UserID        string     `json:"user_id"`
	Username      string     `json:"username"`
	PreferredName string     `json:"preferred_name,omitempty"`
	MFAEnabled    bool       `json:"mfa_enabled"`
	Disabled      bool       `json:"disabled,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// UpdateProfileRequest is the body of PUT /auth/me. Omitted fields are
// left unchanged; new_password requires current_password.
type UpdateProfileRequest struct {
	PreferredName   *string `json:"preferred_name,omitempty"`
	CurrentPassword string  `json:"current_password,omitempty"`
	NewPassword     string  `json:"new_password,omitempty"`
}

// ============================================================================
// MFA Types
// ============================================================================

// MFASetupResponse is shown once; the secret cannot be fetched again.
type MFASetupResponse struct {
	Secret          string `json:"secret" example:"JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"`
	ProvisioningURI string `json:"provisioning_uri" example:"otpauth://totp/BlueWhale:bob?secret=JBSWY3DPEHPK3PXP&issuer=BlueWhale"`
	QRCodePNG       string `json:"qr_code_png"` // base64
}

// MFACodeRequest carries a TOTP or backup code.
type MFACodeRequest struct {
	Code string `json:"code" example:"123456"`
}

type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type MFAStatusResponse struct {
	Enabled              bool `json:"enabled"`
	Pending              bool `json:"pending"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

// ============================================================================
// Misc Types
// ============================================================================

type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// HealthResponse is returned by /livez and /readyz.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime,omitempty"`
	Version string `json:"version,omitempty"`

	// Checks is only set by /readyz.
	Checks *HealthChecks `json:"checks,omitempty"`
}

// HealthChecks reports each dependency as "ok" or an error string.
type HealthChecks struct {
	Database  string `json:"database"`
	Signer    string `json:"signer"`
	RateLimit string `json:"rate_limit"`
}

// JWKSResponse holds the public keys that verify access tokens.
type JWKSResponse jwtx.JWKS

// RotateKeysResponse is returned by the admin key rotation endpoint.
type RotateKeysResponse struct {
	Added      []string `json:"added"`
	Retired    []string `json:"retired"`
	ActiveKeys int      `json:"active_keys"`
}
