package http

import (
	"net/http"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
)

// AccountHandler serves the signed-in user's profile and sessions.
type AccountHandler struct {
	Auth *service.AuthService
}

func userResponse(u domain.User) authsdk.UserResponse {
	return authsdk.UserResponse{
		UserID:        u.ID,
		Username:      u.Username,
		PreferredName: u.PreferredName,
		MFAEnabled:    u.MFAEnabled(),
		Disabled:      u.Disabled(),
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
	}
}

func sessionInfo(s domain.Session) authsdk.SessionInfo {
	return authsdk.SessionInfo{
		ID:        s.ID,
		SessionID: s.SessionID,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		UserAgent: s.Device.UserAgent,
		IP:        s.Device.IP,
		Current:   s.Current,
	}
}

// HandleMe handles GET /auth/me
//
//	@Summary		Current user
//	@Tags			Account
//	@Security		CookieAuth
//	@Produce		json
//	@Success		200	{object}	authsdk.UserResponse
//	@Failure		401	{object}	authsdk.APIError	"unauthorized or token_expired"
//	@Router			/auth/me [get].
func (h *AccountHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpx.UserID(r.Context())
	user, err := h.Auth.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, userResponse(user))
}

// HandleUpdateMe handles PUT /auth/me
//
//	@Summary		Update profile
//	@Description	Changes the preferred name and/or the password. A new password requires the current one.
//	@Tags			Account
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			X-CSRF-Token	header		string							true	"CSRF token"
//	@Param			body			body		authsdk.UpdateProfileRequest	true	"Changes"
//	@Success		200				{object}	authsdk.UserResponse
//	@Failure		400				{object}	authsdk.APIError	"invalid_request"
//	@Failure		401				{object}	authsdk.APIError	"invalid_credentials"
//	@Router			/auth/me [put].
func (h *AccountHandler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req authsdk.UpdateProfileRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}

	userID, _ := httpx.UserID(r.Context())
	user, err := h.Auth.UpdateProfile(r.Context(), userID, service.ProfileUpdate{
		PreferredName:   req.PreferredName,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, userResponse(user))
}

// HandleSessions handles GET /auth/sessions
//
//	@Summary		List active sessions
//	@Description	Lists the user's unrevoked, unexpired refresh tokens. The one held by this browser is marked current.
//	@Tags			Account
//	@Security		CookieAuth
//	@Produce		json
//	@Success		200	{object}	authsdk.SessionsResponse
//	@Failure		401	{object}	authsdk.APIError	"unauthorized or token_expired"
//	@Router			/auth/sessions [get].
func (h *AccountHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpx.UserID(r.Context())
	sessions, err := h.Auth.ListSessions(r.Context(), userID, refreshToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := authsdk.SessionsResponse{Sessions: make([]authsdk.SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, sessionInfo(s))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// HandleRevokeSession handles DELETE /auth/sessions/{id}
//
//	@Summary		Revoke one session
//	@Description	Ends a single session of the signed-in user by its session id.
//	@Tags			Account
//	@Security		CookieAuth
//	@Param			X-CSRF-Token	header	string	true	"CSRF token"
//	@Param			id				path	string	true	"Session ID"
//	@Success		204
//	@Failure		401	{object}	authsdk.APIError	"unauthorized"
//	@Failure		404	{object}	authsdk.APIError	"session_not_found"
//	@Router			/auth/sessions/{id} [delete].
func (h *AccountHandler) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpx.UserID(r.Context())
	if err := h.Auth.RevokeSession(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
