package authsdk

import (
	"context"
	"net/http"
)

// FetchCSRFToken asks the server for a fresh CSRF token. The cookie lands
// in the jar; the token is also returned.
func (c *Client) FetchCSRFToken(ctx context.Context) (string, error) {
	var out CSRFTokenResponse
	if err := c.send(ctx, http.MethodGet, "/csrf-token", nil, &out); err != nil {
		return "", err
	}
	return out.CSRFToken, nil
}

// Login signs in with a password and, for MFA users, an optional code.
// If the response has MFARequired set, finish with VerifyMFA.
func (c *Client) Login(ctx context.Context, username, password, mfaCode string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.do(ctx, http.MethodPost, "/auth/token", LoginRequest{
		Username: username,
		Password: password,
		MFACode:  mfaCode,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyMFA completes a login that returned MFARequired.
func (c *Client) VerifyMFA(ctx context.Context, username, mfaToken, code string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.do(ctx, http.MethodPost, "/auth/mfa/verify", MFAVerifyRequest{
		Username: username,
		MFAToken: mfaToken,
		Code:     code,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh rotates the refresh token held in the jar.
func (c *Client) Refresh(ctx context.Context) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the current session. It succeeds even if the session had
// already ended.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// LogoutAll ends every session of the signed-in user.
func (c *Client) LogoutAll(ctx context.Context) (int, error) {
	var out LogoutAllResponse
	if err := c.do(ctx, http.MethodPost, "/auth/logout/all", nil, &out); err != nil {
		return 0, err
	}
	return out.Revoked, nil
}

// Register creates an account. It does not sign in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*UserResponse, error) {
	var out UserResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
