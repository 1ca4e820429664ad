package http

import (
	"context"
	"net/http"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readinessTimeout = 2 * time.Second

// SystemHandler serves health checks and key discovery.
type SystemHandler struct {
	Store     store.Store
	Keys      *jwtx.KeyManager
	RateLimit Pinger // nil when counters are in process
	Version   string
	StartTime time.Time
}

func (h *SystemHandler) health(status string) authsdk.HealthResponse {
	return authsdk.HealthResponse{
		Status:  status,
		Uptime:  time.Since(h.StartTime).Round(time.Second).String(),
		Version: h.Version,
	}
}

// HandleLivez godoc
//
//	@Summary		Liveness check
//	@Description	Reports that the process is serving, with uptime and build version.
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	authsdk.HealthResponse	"status, uptime, version"
//	@Router			/livez [get].
func (h *SystemHandler) HandleLivez(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.health("ok"))
}

// HandleReadyz godoc
//
//	@Summary		Readiness check
//	@Description	Checks the database, the signing keys and the rate limit backend.
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	authsdk.HealthResponse	"all dependencies ok"
//	@Failure		503	{object}	authsdk.HealthResponse	"a dependency is failing"
//	@Router			/readyz [get].
func (h *SystemHandler) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := &authsdk.HealthChecks{Database: "ok", Signer: "ok", RateLimit: "ok"}
	ready := true

	if err := h.Store.Ping(ctx); err != nil {
		checks.Database = "error: " + err.Error()
		ready = false
	}
	if !h.Keys.IsReady() {
		checks.Signer = "error: no signing keys loaded"
		ready = false
	}
	if h.RateLimit != nil {
		if err := h.RateLimit.Ping(ctx); err != nil {
			checks.RateLimit = "error: " + err.Error()
			ready = false
		}
	}

	resp := h.health("ok")
	resp.Checks = checks
	code := http.StatusOK
	if !ready {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, resp)
}

// HandleJWKS exposes the public keys for offline token verification.
//
//	@Summary		Get JWKS
//	@Description	Returns the public keys that verify access tokens, including retired keys whose tokens may still be live.
//	@Tags			Discovery
//	@Produce		json
//	@Success		200	{object}	authsdk.JWKSResponse	"The JSON Web Key Set"
//	@Router			/.well-known/jwks.json [get].
func (h *SystemHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, authsdk.JWKSResponse(h.Keys.KeySet.PublicJWKS()))
}
