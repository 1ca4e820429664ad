package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/bluewhale/internal/auth/csrf"
	httpapi "github.com/aussiebroadwan/bluewhale/internal/auth/http"
	"github.com/aussiebroadwan/bluewhale/internal/auth/ratelimit"
	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store/drivers/postgres"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// BuildVersion is overridden at build time via -ldflags.
var BuildVersion = "v0.1.0"

// Application owns the auth service and everything it depends on.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db         store.Store
	keyManager *jwtx.KeyManager
	box        *cryptox.SecretBox
	hasher     *cryptox.PasswordHasher
	pepper     []byte
	csrf       *csrf.Guard

	// masterEphemeral is set when no master key was configured.
	masterEphemeral bool

	limiter     *ratelimit.Limiter
	limitMemory *ratelimit.MemoryStore // nil with the redis backend
	redis       *redis.Client          // nil with the memory backend

	authService         *service.AuthService
	keyRotationService  *service.KeyRotationService
	housekeepingService *service.HousekeepingService

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with every dependency initialized. Resources
// opened before a failure are released.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "auth-service",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	ctx := context.Background()
	if err := app.init(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) init(ctx context.Context) error {
	if err := app.initDatabase(ctx); err != nil {
		return err
	}
	if err := app.initSecrets(); err != nil {
		return err
	}

	// After the database and secrets, which persistent keys need.
	keyManager, err := InitAuthKeys(ctx, app.cfg, app.db, app.box, app.masterEphemeral, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT keys: %w", err)
	}
	app.keyManager = keyManager

	if err := app.initRateLimiter(ctx); err != nil {
		return err
	}
	app.initServices()
	app.initHTTP()
	return nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("auth service starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		app.housekeepingService.Stop()
		_ = app.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown drains in-flight requests, then stops background work and
// closes the store.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down auth service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if err := app.Close(); err != nil {
		return err
	}

	app.logger.Info("auth service stopped")
	return nil
}

// Close releases the store and the redis client without touching the HTTP
// server or housekeeping. Shutdown calls it.
func (app *Application) Close() error {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			return err
		}
	}
	return nil
}

// Handler exposes the HTTP handler, for embedding and tests.
func (app *Application) Handler() http.Handler {
	return app.router
}

func (app *Application) initDatabase(ctx context.Context) error {
	switch app.cfg.DatabaseDriver {
	case "postgres":
		db, err := postgres.NewStore(ctx, app.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		app.db = db
	default:
		db, err := sqlite.NewStore(sqlite.FileDSN(app.cfg.DatabaseFile))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		app.db = db
	}

	if err := app.db.ApplyMigrations(ctx); err != nil {
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied", "driver", app.cfg.DatabaseDriver)
	return nil
}

func (app *Application) initSecrets() error {
	pepper, err := cryptox.LoadOrCreatePepper(app.cfg.PepperFile)
	if err != nil {
		return err
	}
	app.pepper = pepper

	hasher, err := cryptox.NewPasswordHasher(pepper, cryptox.DefaultArgon2Params)
	if err != nil {
		return err
	}
	app.hasher = hasher

	masterKey, ephemeral, err := cryptox.LoadMasterKey(app.cfg.MasterKeyPath)
	if err != nil {
		return err
	}
	app.masterEphemeral = ephemeral
	if ephemeral {
		app.logger.Warn("no master key configured: MFA secrets sealed now cannot be opened after a restart")
	}
	box, err := cryptox.NewSecretBox(masterKey)
	if err != nil {
		return err
	}
	app.box = box

	secret := []byte(app.cfg.CSRFSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate CSRF secret: %w", err)
		}
		app.logger.Warn("no CSRF secret configured: generated one for this process")
	}
	guard, err := csrf.New(csrf.Config{
		Secret:   secret,
		Secure:   app.cfg.CookieSecure,
		SameSite: app.cfg.SameSite(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize CSRF guard: %w", err)
	}
	app.csrf = guard
	return nil
}

func (app *Application) initRateLimiter(ctx context.Context) error {
	var backend ratelimit.Store

	switch app.cfg.RateLimitBackend {
	case "redis":
		app.redis = redis.NewClient(&redis.Options{
			Addr:     app.cfg.RedisAddr,
			Password: app.cfg.RedisPassword,
			DB:       app.cfg.RedisDB,
		})
		rs := ratelimit.NewRedisStore(app.redis)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", app.cfg.RedisAddr, err)
		}
		backend = rs
		app.logger.Info("rate limit counters in redis", "addr", app.cfg.RedisAddr)
	default:
		app.limitMemory = ratelimit.NewMemoryStore()
		backend = app.limitMemory
		app.logger.Info("rate limit counters in memory")
	}

	app.limiter = ratelimit.New(backend, app.cfg.RateLimitPolicies())
	return nil
}

func (app *Application) initServices() {
	timeout := app.cfg.StoreTimeout

	// Rotation only touches the database when keys live there.
	rotation := &service.KeyRotationService{
		Keys:   app.keyManager,
		MaxAge: app.cfg.KeyMaxAge,
	}
	persistent := app.cfg.KeyStorageMode == "persistent"
	if persistent {
		rotation.Store = app.db
		rotation.Sealer = app.box
	}
	app.keyRotationService = rotation
	app.logger.Info("key rotation service enabled", "mode", app.cfg.KeyStorageMode, "max_age", app.cfg.KeyMaxAge)

	tokens := &service.TokenService{
		Store:        app.db,
		Keys:         app.keyManager,
		Issuer:       app.cfg.Issuer,
		AccessTTL:    app.cfg.AccessTokenTTL,
		RefreshTTL:   app.cfg.RefreshTokenTTL,
		ChallengeTTL: app.cfg.MFAChallengeTTL,
		StoreTimeout: timeout,
	}
	if persistent {
		tokens.Reloader = rotation
	}
	users := &service.UserService{Store: app.db, Hasher: app.hasher, StoreTimeout: timeout}

	app.authService = &service.AuthService{
		Credentials: &service.CredentialService{Store: app.db, Hasher: app.hasher, StoreTimeout: timeout},
		MFA: &service.MFAService{
			Store:        app.db,
			Box:          app.box,
			TOTP:         &service.TOTPEngine{Issuer: app.cfg.Issuer},
			Pepper:       app.pepper,
			StoreTimeout: timeout,
		},
		Tokens:          tokens,
		Sessions:        &service.SessionService{Store: app.db, StoreTimeout: timeout},
		Users:           users,
		Limiter:         app.limiter,
		LimitByUsername: app.cfg.LimitByUsername,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
	if app.limitMemory != nil {
		app.housekeepingService.RateLimits = app.limitMemory
	}
	if persistent || app.cfg.KeyMaxAge > 0 {
		app.housekeepingService.KeyRotation = rotation
	}
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.keyManager,
		app.csrf,
		BuildVersion,
		app.db,
		app.logger,
	)

	router.AuthService = app.authService
	router.Cookies = httpapi.CookieConfig{
		Secure:     app.cfg.CookieSecure,
		SameSite:   app.cfg.SameSite(),
		Domain:     app.cfg.CookieDomain,
		AccessTTL:  app.cfg.AccessTokenTTL,
		RefreshTTL: app.cfg.RefreshTokenTTL,
	}
	router.TrustProxy = app.cfg.TrustProxy
	router.ModerateLimit = httpx.ParseRateLimitFromEnv("MODERATE", httpx.ModerateLimit)
	router.PublicLimit = httpx.ParseRateLimitFromEnv("PUBLIC", httpx.PublicLimit)

	if app.cfg.AdminToken != "" {
		router.KeyRotationService = app.keyRotationService
		router.AdminToken = app.cfg.AdminToken
	}
	if app.redis != nil {
		router.RateLimitPinger = ratelimit.NewRedisStore(app.redis)
	}
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
