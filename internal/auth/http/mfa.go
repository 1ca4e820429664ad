package http

import (
	"net/http"

	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
)

// MFAHandler handles MFA enrollment and management for the signed-in user.
type MFAHandler struct {
	MFA *service.MFAService
}

// decodeCode reads an MFACodeRequest, writing the error response itself.
func decodeCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req authsdk.MFACodeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return "", false
	}
	return req.Code, true
}

// HandleStatus handles GET /auth/mfa/status
//
//	@Summary		MFA status
//	@Tags			MFA
//	@Security		CookieAuth
//	@Produce		json
//	@Success		200	{object}	authsdk.MFAStatusResponse
//	@Failure		401	{object}	authsdk.APIError	"unauthorized"
//	@Router			/auth/mfa/status [get].
func (h *MFAHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpx.UserID(r.Context())
	st, err := h.MFA.Status(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.MFAStatusResponse{
		Enabled:              st.Enabled,
		Pending:              st.Pending,
		BackupCodesRemaining: st.BackupCodesRemaining,
	})
}

// HandleSetup handles POST /auth/mfa/setup
//
//	@Summary		Start TOTP enrollment
//	@Description	Generates a TOTP secret and returns it with a provisioning URI and QR code.
//	@Description	MFA stays off until /auth/mfa/enable confirms a code. Calling setup again replaces an unconfirmed secret.
//	@Tags			MFA
//	@Security		CookieAuth
//	@Produce		json
//	@Param			X-CSRF-Token	header		string	true	"CSRF token"
//	@Success		200				{object}	authsdk.MFASetupResponse
//	@Failure		401				{object}	authsdk.APIError	"unauthorized"
//	@Failure		409				{object}	authsdk.APIError	"mfa_already_enabled"
//	@Router			/auth/mfa/setup [post].
func (h *MFAHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpx.UserID(r.Context())
	setup, err := h.MFA.Setup(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.MFASetupResponse{
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
		QRCodePNG:       setup.QRCodePNG,
	})
}

// HandleEnable handles POST /auth/mfa/enable
//
//	@Summary		Confirm TOTP enrollment
//	@Description	Turns MFA on once a code from the new secret verifies, and returns ten single-use backup codes.
//	@Tags			MFA
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			X-CSRF-Token	header		string					true	"CSRF token"
//	@Param			body			body		authsdk.MFACodeRequest	true	"TOTP code"
//	@Success		200				{object}	authsdk.BackupCodesResponse
//	@Failure		400				{object}	authsdk.APIError	"mfa_setup_required"
//	@Failure		401				{object}	authsdk.APIError	"invalid_mfa_code"
//	@Failure		409				{object}	authsdk.APIError	"mfa_already_enabled"
//	@Router			/auth/mfa/enable [post].
func (h *MFAHandler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	userID, _ := httpx.UserID(r.Context())
	codes, err := h.MFA.Enable(r.Context(), userID, code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.BackupCodesResponse{BackupCodes: codes})
}

// HandleDisable handles POST /auth/mfa/disable
//
//	@Summary		Turn MFA off
//	@Description	Requires a current TOTP code or an unused backup code. Deletes the secret and all backup codes.
//	@Tags			MFA
//	@Security		CookieAuth
//	@Accept			json
//	@Param			X-CSRF-Token	header	string					true	"CSRF token"
//	@Param			body			body	authsdk.MFACodeRequest	true	"TOTP or backup code"
//	@Success		204
//	@Failure		400	{object}	authsdk.APIError	"mfa_not_enabled"
//	@Failure		401	{object}	authsdk.APIError	"invalid_mfa_code"
//	@Router			/auth/mfa/disable [post].
func (h *MFAHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	userID, _ := httpx.UserID(r.Context())
	if err := h.MFA.Disable(r.Context(), userID, code); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRegenerateBackupCodes handles POST /auth/mfa/backup-codes
//
//	@Summary		Regenerate backup codes
//	@Description	Replaces every backup code. Requires a current TOTP code or an unused backup code.
//	@Tags			MFA
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			X-CSRF-Token	header		string					true	"CSRF token"
//	@Param			body			body		authsdk.MFACodeRequest	true	"TOTP or backup code"
//	@Success		200				{object}	authsdk.BackupCodesResponse
//	@Failure		400				{object}	authsdk.APIError	"mfa_not_enabled"
//	@Failure		401				{object}	authsdk.APIError	"invalid_mfa_code"
//	@Router			/auth/mfa/backup-codes [post].
func (h *MFAHandler) HandleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	userID, _ := httpx.UserID(r.Context())
	codes, err := h.MFA.RegenerateBackupCodes(r.Context(), userID, code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.BackupCodesResponse{BackupCodes: codes})
}
