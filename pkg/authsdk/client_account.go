package authsdk

import (
	"context"
	"net/http"
	"net/url"
)

func (c *Client) Me(ctx context.Context) (*UserResponse, error) {
	var out UserResponse
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateMe(ctx context.Context, req UpdateProfileRequest) (*UserResponse, error) {
	var out UserResponse
	if err := c.do(ctx, http.MethodPut, "/auth/me", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists the user's active sessions; the caller's is marked
// Current.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out SessionsResponse
	if err := c.do(ctx, http.MethodGet, "/auth/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// RevokeSession ends one session by its session id.
func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/auth/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// ============================================================================
// MFA
// ============================================================================

func (c *Client) MFAStatus(ctx context.Context) (*MFAStatusResponse, error) {
	var out MFAStatusResponse
	if err := c.do(ctx, http.MethodGet, "/auth/mfa/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MFASetup starts enrollment. MFA stays off until MFAEnable succeeds.
func (c *Client) MFASetup(ctx context.Context) (*MFASetupResponse, error) {
	var out MFASetupResponse
	if err := c.do(ctx, http.MethodPost, "/auth/mfa/setup", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MFAEnable confirms enrollment with a code and returns the backup codes.
func (c *Client) MFAEnable(ctx context.Context, code string) ([]string, error) {
	var out BackupCodesResponse
	if err := c.do(ctx, http.MethodPost, "/auth/mfa/enable", MFACodeRequest{Code: code}, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

func (c *Client) MFADisable(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/auth/mfa/disable", MFACodeRequest{Code: code}, nil)
}

// RegenerateBackupCodes replaces every backup code.
func (c *Client) RegenerateBackupCodes(ctx context.Context, code string) ([]string, error) {
	var out BackupCodesResponse
	if err := c.do(ctx, http.MethodPost, "/auth/mfa/backup-codes", MFACodeRequest{Code: code}, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

// ============================================================================
// Public endpoints
// ============================================================================

// JWKS fetches the public keys that verify access tokens.
func (c *Client) JWKS(ctx context.Context) (*JWKSResponse, error) {
	var out JWKSResponse
	if err := c.send(ctx, http.MethodGet, "/.well-known/jwks.json", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Liveness(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.send(ctx, http.MethodGet, "/livez", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Readiness(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.send(ctx, http.MethodGet, "/readyz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
