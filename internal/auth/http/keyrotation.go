package http

import (
	"net/http"

	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// KeyRotationHandler rotates the token signing keys on operator request.
// It works in both ephemeral and persistent key modes.
type KeyRotationHandler struct {
	KeyRotationService *service.KeyRotationService
}

// HandleRotate handles POST /admin/keys/rotate
//
//	@Summary		Rotate signing keys
//	@Description	Generates fresh signing keys and retires the active ones. Retired keys stay in the JWKS so issued tokens keep verifying.
//	@Tags			Admin
//	@Security		AdminToken
//	@Produce		json
//	@Success		200	{object}	authsdk.RotateKeysResponse
//	@Failure		401	{object}	authsdk.APIError	"unauthorized"
//	@Failure		500	{object}	authsdk.APIError	"server_error"
//	@Router			/admin/keys/rotate [post].
func (h *KeyRotationHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	res, err := h.KeyRotationService.RotateKey(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	slogx.FromContext(r.Context()).Info("signing keys rotated",
		"added", res.Added,
		"retired", res.Retired,
	)
	httpx.WriteJSON(w, http.StatusOK, authsdk.RotateKeysResponse{
		Added:      res.Added,
		Retired:    res.Retired,
		ActiveKeys: h.KeyRotationService.Keys.NumSigners(),
	})
}

// requireAdminToken admits requests carrying "Authorization: Bearer
// <token>". An empty token disables the route entirely.
func requireAdminToken(token string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				authsdk.ErrNotFound.WriteError(w)
				return
			}
			presented := httpx.AccessToken(r, "")
			if presented == "" || !cryptox.Equal(presented, token) {
				slogx.FromContext(r.Context()).Warn("admin token rejected")
				authsdk.ErrUnauthorized.WriteError(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
