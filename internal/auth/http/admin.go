package http

import (
	"net/http"

	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
)

// AdminHandler serves operator account controls.
type AdminHandler struct {
	Auth *service.AuthService
}

// HandleDisableUser handles POST /admin/users/{username}/disable
//
//	@Summary		Disable an account
//	@Description	Locks the account and revokes every session. Access tokens already issued stop working on the next request.
//	@Tags			Admin
//	@Security		AdminToken
//	@Produce		json
//	@Param			username	path		string	true	"Username"
//	@Success		200			{object}	authsdk.UserResponse
//	@Failure		401			{object}	authsdk.APIError	"unauthorized"
//	@Failure		404			{object}	authsdk.APIError	"user_not_found"
//	@Router			/admin/users/{username}/disable [post].
func (h *AdminHandler) HandleDisableUser(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, true)
}

// HandleEnableUser handles POST /admin/users/{username}/enable
//
//	@Summary		Enable an account
//	@Tags			Admin
//	@Security		AdminToken
//	@Produce		json
//	@Param			username	path		string	true	"Username"
//	@Success		200			{object}	authsdk.UserResponse
//	@Failure		401			{object}	authsdk.APIError	"unauthorized"
//	@Failure		404			{object}	authsdk.APIError	"user_not_found"
//	@Router			/admin/users/{username}/enable [post].
func (h *AdminHandler) HandleEnableUser(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, false)
}

func (h *AdminHandler) setDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	user, err := h.Auth.SetUserDisabled(r.Context(), r.PathValue("username"), disabled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, userResponse(user))
}
