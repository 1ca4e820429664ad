package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/csrf"
	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

const maxUserAgentLen = 256

// AuthHandler serves login, MFA verification, refresh, logout and
// registration.
type AuthHandler struct {
	Auth       *service.AuthService
	CSRF       *csrf.Guard
	Cookies    CookieConfig
	TrustProxy bool
}

func (h *AuthHandler) now() time.Time {
	if h.Auth.Clock != nil {
		return h.Auth.Clock()
	}
	return time.Now()
}

// deviceMeta records who a session is issued to.
func deviceMeta(r *http.Request, trustProxy bool) domain.DeviceMeta {
	ua := r.UserAgent()
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return domain.DeviceMeta{
		UserAgent: ua,
		IP:        httpx.ClientIP(r, trustProxy),
	}
}

// startSession sets the token cookies, rotates the CSRF token and writes
// the session description.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, pair domain.TokenPair) {
	token, err := h.CSRF.Issue()
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.Cookies.setSessionCookies(w, pair)
	h.CSRF.SetCookie(w, token)

	httpx.WriteJSON(w, http.StatusOK, authsdk.AuthResponse{
		UserID:    pair.UserID,
		Username:  pair.Username,
		ExpiresIn: int(pair.AccessExpiresAt.Sub(h.now()).Seconds()),
		CSRFToken: token,
	})
}

// HandleLogin handles POST /auth/token
//
//	@Summary		Sign in
//	@Description	Verifies a username and password. Users without MFA receive session cookies.
//	@Description	Users with MFA either include mfa_code or receive mfa_required with an mfa_token for /auth/mfa/verify.
//	@Tags			Auth
//	@Accept			json
//	@Produce		json
//	@Param			X-CSRF-Token	header		string					true	"CSRF token"
//	@Param			body			body		authsdk.LoginRequest	true	"Credentials"
//	@Success		200				{object}	authsdk.AuthResponse
//	@Failure		400				{object}	authsdk.APIError	"Malformed request"
//	@Failure		401				{object}	authsdk.APIError	"invalid_credentials or invalid_mfa_code"
//	@Failure		403				{object}	authsdk.APIError	"csrf_invalid"
//	@Failure		429				{object}	authsdk.APIError	"rate_limited"
//	@Router			/auth/token [post].
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req authsdk.LoginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}

	res, err := h.Auth.Login(r.Context(), service.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		MFACode:  req.MFACode,
		Meta:     deviceMeta(r, h.TrustProxy),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.MFARequired {
		httpx.WriteJSON(w, http.StatusOK, authsdk.AuthResponse{
			Username:          res.Username,
			MFARequired:       true,
			MFAToken:          res.MFAToken,
			MFATokenExpiresIn: int(res.MFATokenExpiresAt.Sub(h.now()).Seconds()),
		})
		return
	}
	h.startSession(w, r, res.Tokens)
}

// HandleMFAVerify handles POST /auth/mfa/verify
//
//	@Summary		Complete an MFA sign-in
//	@Description	Exchanges the mfa_token (or the password again) plus a TOTP or backup code for session cookies.
//	@Tags			Auth
//	@Accept			json
//	@Produce		json
//	@Param			X-CSRF-Token	header		string						true	"CSRF token"
//	@Param			body			body		authsdk.MFAVerifyRequest	true	"Second factor"
//	@Success		200				{object}	authsdk.AuthResponse
//	@Failure		401				{object}	authsdk.APIError	"invalid_credentials or invalid_mfa_code"
//	@Failure		403				{object}	authsdk.APIError	"csrf_invalid"
//	@Failure		429				{object}	authsdk.APIError	"rate_limited"
//	@Router			/auth/mfa/verify [post].
func (h *AuthHandler) HandleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req authsdk.MFAVerifyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}

	pair, err := h.Auth.VerifyMFA(r.Context(), service.MFAVerifyRequest{
		Username: req.Username,
		MFAToken: req.MFAToken,
		Password: req.Password,
		Code:     req.Code,
		Meta:     deviceMeta(r, h.TrustProxy),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.startSession(w, r, pair)
}

// HandleRefresh handles POST /auth/refresh
//
//	@Summary		Rotate the refresh token
//	@Description	Consumes the refresh cookie and issues a new access and refresh token for the same session.
//	@Description	A refresh token that was already used revokes its whole session.
//	@Tags			Auth
//	@Produce		json
//	@Param			X-CSRF-Token	header		string	true	"CSRF token"
//	@Success		200				{object}	authsdk.AuthResponse
//	@Failure		401				{object}	authsdk.APIError	"token_expired, token_revoked or token_unknown"
//	@Failure		403				{object}	authsdk.APIError	"csrf_invalid"
//	@Failure		429				{object}	authsdk.APIError	"rate_limited"
//	@Router			/auth/refresh [post].
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	presented := refreshToken(r)
	if presented == "" {
		authsdk.ErrTokenUnknown.WithDescription("no refresh token presented").WriteError(w)
		return
	}

	pair, err := h.Auth.Refresh(r.Context(), presented, deviceMeta(r, h.TrustProxy))
	if err != nil {
		if isTokenError(err) {
			h.Cookies.clearSessionCookies(w)
		}
		writeError(w, r, err)
		return
	}

	h.Cookies.setSessionCookies(w, pair)
	httpx.WriteJSON(w, http.StatusOK, authsdk.AuthResponse{
		UserID:    pair.UserID,
		Username:  pair.Username,
		ExpiresIn: int(pair.AccessExpiresAt.Sub(h.now()).Seconds()),
		CSRFToken: h.CSRF.Token(r),
	})
}

// HandleLogout handles POST /auth/logout
//
//	@Summary		Sign out
//	@Description	Revokes the current refresh token and clears the session cookies. Succeeds even if the session already ended.
//	@Tags			Auth
//	@Param			X-CSRF-Token	header	string	true	"CSRF token"
//	@Success		204
//	@Failure		403	{object}	authsdk.APIError	"csrf_invalid"
//	@Failure		503	{object}	authsdk.APIError	"temporarily_unavailable"
//	@Router			/auth/logout [post].
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(r.Context(), refreshToken(r)); err != nil {
		writeError(w, r, err)
		return
	}
	h.Cookies.clearSessionCookies(w)
	slogx.FromContext(r.Context()).Info("logged out")
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogoutAll handles POST /auth/logout/all
//
//	@Summary		Sign out everywhere
//	@Description	Revokes every refresh token of the signed-in user. Access tokens already issued stay valid until they expire.
//	@Tags			Auth
//	@Security		CookieAuth
//	@Produce		json
//	@Param			X-CSRF-Token	header		string	true	"CSRF token"
//	@Success		200				{object}	authsdk.LogoutAllResponse
//	@Failure		401				{object}	authsdk.APIError	"unauthorized"
//	@Failure		403				{object}	authsdk.APIError	"csrf_invalid"
//	@Router			/auth/logout/all [post].
func (h *AuthHandler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpx.UserID(r.Context())
	n, err := h.Auth.LogoutAll(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.Cookies.clearSessionCookies(w)
	httpx.WriteJSON(w, http.StatusOK, authsdk.LogoutAllResponse{Revoked: n})
}

// HandleRegister handles POST /auth/register
//
//	@Summary		Create an account
//	@Description	Creates a user. Registration does not sign in.
//	@Tags			Auth
//	@Accept			json
//	@Produce		json
//	@Param			X-CSRF-Token	header		string					true	"CSRF token"
//	@Param			body			body		authsdk.RegisterRequest	true	"New account"
//	@Success		201				{object}	authsdk.UserResponse
//	@Failure		400				{object}	authsdk.APIError	"invalid_request"
//	@Failure		409				{object}	authsdk.APIError	"username_taken"
//	@Failure		429				{object}	authsdk.APIError	"rate_limited"
//	@Router			/auth/register [post].
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req authsdk.RegisterRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}

	user, err := h.Auth.Register(r.Context(), service.RegisterRequest{
		Username:      req.Username,
		Password:      req.Password,
		PreferredName: req.PreferredName,
		Meta:          deviceMeta(r, h.TrustProxy),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, userResponse(user))
}

// CSRFTokenHandler handles GET /csrf-token
//
//	@Summary		Issue a CSRF token
//	@Description	Sets a fresh readable CSRF cookie and returns the same value. Echo it in X-CSRF-Token on every POST, PUT and DELETE.
//	@Tags			Auth
//	@Produce		json
//	@Success		200	{object}	authsdk.CSRFTokenResponse
//	@Router			/csrf-token [get].
func CSRFTokenHandler(guard *csrf.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := guard.Issue()
		if err != nil {
			writeError(w, r, err)
			return
		}
		guard.SetCookie(w, token)
		httpx.WriteJSON(w, http.StatusOK, authsdk.CSRFTokenResponse{CSRFToken: token})
	}
}
