package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/csrf"
	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/authsdk"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"

	_ "github.com/aussiebroadwan/bluewhale/api/auth" // Swagger docs
	httpSwagger "github.com/swaggo/http-swagger"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	keys         *jwtx.KeyManager
	csrf         *csrf.Guard
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	store        store.Store

	AuthService        *service.AuthService
	KeyRotationService *service.KeyRotationService

	Cookies CookieConfig

	// RateLimitPinger is checked by /readyz when counters live outside the
	// process.
	RateLimitPinger Pinger

	// AdminToken guards /admin routes. Empty disables them.
	AdminToken string

	// TrustProxy honours X-Forwarded-For when resolving client IPs.
	TrustProxy bool

	// Flood protection applied on top of the per-class credential limits.
	ModerateLimit httpx.RateLimitConfig
	PublicLimit   httpx.RateLimitConfig
}

func NewRouter(
	keys *jwtx.KeyManager,
	guard *csrf.Guard,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:           http.NewServeMux(),
		keys:          keys,
		csrf:          guard,
		buildVersion:  buildVersion,
		startTime:     time.Now(),
		store:         st,
		logger:        logger,
		ModerateLimit: httpx.ModerateLimit,
		PublicLimit:   httpx.PublicLimit,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerAccount()
	r.registerMFA()
	r.registerKeyRotation()
	r.registerAdmin()
	r.registerSystem()

	r.Mux.Handle("/swagger/", httpSwagger.Handler())
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
//
//	@title			BlueWhale Authentication API
//	@version		0.1.0
//	@description	Session authentication for the BlueWhale knowledge base: password login with optional TOTP,
//	@description	rotating refresh tokens and per-device session management.
//	@description
//	@description	Tokens travel in HttpOnly cookies. Every POST, PUT and DELETE must echo the csrf_token cookie
//	@description	in the X-CSRF-Token header. Access tokens are EdDSA-signed JWTs verifiable with the JWKS endpoint.
//
//	@contact.name				AussieBroadWAN Team
//	@contact.url				https://github.com/aussiebroadwan/bluewhale
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@host						localhost:8080
//	@BasePath					/
//
//	@schemes					http https
//
//	@securityDefinitions.apikey	CookieAuth
//	@in							cookie
//	@name						access_token
//	@description				Access token cookie set by /auth/token and /auth/refresh.
//
//	@securityDefinitions.apikey	AdminToken
//	@in							header
//	@name						Authorization
//	@description				Operator token. Format: "Bearer {token}".
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

// browser chains mws behind the CSRF check, so a state-changing request
// without a matching token is rejected before authentication runs.
func (r *Router) browser(h http.Handler, mws ...httpx.Middleware) http.Handler {
	chain := append([]httpx.Middleware{r.csrf.Middleware(writeCSRFError)}, mws...)
	return httpx.Chain(h, chain...)
}

// authn verifies the access token, then refuses accounts disabled since
// it was issued.
func (r *Router) authn() httpx.Middleware {
	verify := httpx.AuthnMiddleware(r.AuthService.Tokens, authsdk.CookieAccessToken, writeAuthnError)
	return func(next http.Handler) http.Handler {
		return verify(r.requireActive(next))
	}
}

func (r *Router) requireActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		userID, _ := httpx.UserID(req.Context())
		if err := r.AuthService.RequireActive(req.Context(), userID); err != nil {
			if errors.Is(err, service.ErrUnauthenticated) {
				writeAuthnError(w, req, err)
				return
			}
			writeError(w, req, err)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// secretAttempt counts a request that proves a password or second factor
// against the signed-in user's login budget.
func (r *Router) secretAttempt(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		userID, _ := httpx.UserID(req.Context())
		if err := r.AuthService.CheckSecretAttempt(req.Context(), userID); err != nil {
			writeError(w, req, err)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) registerAuth() {
	h := &AuthHandler{
		Auth:       r.AuthService,
		CSRF:       r.csrf,
		Cookies:    r.Cookies,
		TrustProxy: r.TrustProxy,
	}

	// Credential endpoints are limited per class by the auth service
	// itself; these only need the CSRF check.
	r.Mux.Handle("POST /auth/token", r.browser(http.HandlerFunc(h.HandleLogin)))
	r.Mux.Handle("POST /auth/mfa/verify", r.browser(http.HandlerFunc(h.HandleMFAVerify)))
	r.Mux.Handle("POST /auth/refresh", r.browser(http.HandlerFunc(h.HandleRefresh)))
	r.Mux.Handle("POST /auth/register", r.browser(http.HandlerFunc(h.HandleRegister)))

	// Logout only needs the refresh cookie, so it still works once the
	// access token has expired.
	r.Mux.Handle("POST /auth/logout", r.browser(http.HandlerFunc(h.HandleLogout)))

	r.Mux.Handle("POST /auth/logout/all", r.browser(http.HandlerFunc(h.HandleLogoutAll),
		r.authn(),
		httpx.RateLimitByUser(r.ModerateLimit, r.TrustProxy),
	))

	r.Mux.Handle("GET /csrf-token",
		httpx.Chain(CSRFTokenHandler(r.csrf),
			httpx.RateLimitByIP(r.PublicLimit, r.TrustProxy),
		),
	)
}

func (r *Router) registerAccount() {
	h := &AccountHandler{Auth: r.AuthService}

	secured := func(fn http.HandlerFunc) http.Handler {
		return r.browser(fn,
			r.authn(),
			httpx.RateLimitByUser(r.ModerateLimit, r.TrustProxy),
		)
	}

	r.Mux.Handle("GET /auth/me", secured(h.HandleMe))
	r.Mux.Handle("PUT /auth/me", secured(h.HandleUpdateMe))
	r.Mux.Handle("GET /auth/sessions", secured(h.HandleSessions))
	r.Mux.Handle("DELETE /auth/sessions/{id}", secured(h.HandleRevokeSession))
}

func (r *Router) registerMFA() {
	h := &MFAHandler{MFA: r.AuthService.MFA}

	secured := func(fn http.HandlerFunc, mws ...httpx.Middleware) http.Handler {
		return r.browser(fn, append([]httpx.Middleware{
			r.authn(),
			httpx.RateLimitByUser(r.ModerateLimit, r.TrustProxy),
		}, mws...)...)
	}

	r.Mux.Handle("GET /auth/mfa/status", secured(h.HandleStatus))
	r.Mux.Handle("POST /auth/mfa/setup", secured(h.HandleSetup))
	r.Mux.Handle("POST /auth/mfa/enable", secured(h.HandleEnable, r.secretAttempt))
	r.Mux.Handle("POST /auth/mfa/disable", secured(h.HandleDisable, r.secretAttempt))
	r.Mux.Handle("POST /auth/mfa/backup-codes", secured(h.HandleRegenerateBackupCodes, r.secretAttempt))
}

func (r *Router) registerAdmin() {
	if r.AdminToken == "" {
		return
	}
	h := &AdminHandler{Auth: r.AuthService}

	admin := func(fn http.HandlerFunc) http.Handler {
		return httpx.Chain(fn,
			httpx.RateLimitByIP(r.ModerateLimit, r.TrustProxy),
			requireAdminToken(r.AdminToken),
		)
	}

	r.Mux.Handle("POST /admin/users/{username}/disable", admin(h.HandleDisableUser))
	r.Mux.Handle("POST /admin/users/{username}/enable", admin(h.HandleEnableUser))
}

func (r *Router) registerKeyRotation() {
	if r.KeyRotationService == nil {
		return
	}
	h := &KeyRotationHandler{KeyRotationService: r.KeyRotationService}

	// Operator endpoint: bearer token, no cookies, so no CSRF exposure.
	r.Mux.Handle("POST /admin/keys/rotate",
		httpx.Chain(http.HandlerFunc(h.HandleRotate),
			httpx.RateLimitByIP(r.ModerateLimit, r.TrustProxy),
			requireAdminToken(r.AdminToken),
		),
	)
}

func (r *Router) registerSystem() {
	h := &SystemHandler{
		Store:     r.store,
		Keys:      r.keys,
		RateLimit: r.RateLimitPinger,
		Version:   r.buildVersion,
		StartTime: r.startTime,
	}

	public := func(fn http.HandlerFunc) http.Handler {
		return httpx.Chain(fn, httpx.RateLimitByIP(r.PublicLimit, r.TrustProxy))
	}

	r.Mux.Handle("GET /.well-known/jwks.json", public(h.HandleJWKS))
	r.Mux.Handle("GET /livez", public(h.HandleLivez))
	r.Mux.Handle("GET /readyz", public(h.HandleReadyz))
}
