package app

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aussiebroadwan/bluewhale/internal/auth/ratelimit"
	"github.com/aussiebroadwan/bluewhale/internal/auth/service"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
)

// ConfigFileEnv names an optional TOML file read before the environment.
const ConfigFileEnv = "AUTH_CONFIG_FILE"

// Config is read from defaults, then the TOML file, then AUTH_* environment
// variables. Later sources win.
type Config struct {
	Issuer string `toml:"issuer"` // issuer claim for tokens

	Env                  string        `toml:"env"`        // dev, staging, prod (default: dev)
	LogLevel             string        `toml:"log_level"`  // debug, info, warn, error (default: info)
	LogFormat            string        `toml:"log_format"` // json, text (default: json)
	Port                 int           `toml:"port"`
	ShutdownGracePeriod  time.Duration `toml:"shutdown_grace_period"`
	HousekeepingInterval time.Duration `toml:"housekeeping_interval"`
	TrustProxy           bool          `toml:"trust_proxy"` // honour X-Forwarded-For

	DatabaseDriver string        `toml:"database_driver"` // sqlite or postgres
	DatabaseFile   string        `toml:"database_file"`   // sqlite path
	DatabaseURL    string        `toml:"database_url"`    // postgres DSN
	StoreTimeout   time.Duration `toml:"store_timeout"`

	KeyStorageMode string        `toml:"key_storage_mode"` // ephemeral or persistent
	NumKeys        int           `toml:"num_keys"`
	KeyMaxAge      time.Duration `toml:"key_max_age"` // automatic rotation, 0 disables
	MasterKeyPath  string        `toml:"master_key_path"`
	PepperFile     string        `toml:"pepper_file"`

	// AdminToken enables the /admin routes when set.
	AdminToken string `toml:"admin_token"`

	// CSRFSecret signs CSRF tokens. A random one is generated when empty,
	// which invalidates outstanding CSRF cookies on restart. It is required
	// with postgres or redis, where several replicas serve one user base.
	CSRFSecret string `toml:"csrf_secret"`

	CookieSecure   bool   `toml:"cookie_secure"`
	CookieSameSite string `toml:"cookie_same_site"` // lax, strict or none
	CookieDomain   string `toml:"cookie_domain"`

	AccessTokenTTL  time.Duration `toml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `toml:"refresh_token_ttl"`
	MFAChallengeTTL time.Duration `toml:"mfa_challenge_ttl"`

	RateLimitBackend string `toml:"rate_limit_backend"` // memory or redis
	RedisAddr        string `toml:"redis_addr"`
	RedisPassword    string `toml:"redis_password"`
	RedisDB          int    `toml:"redis_db"`
	LimitByUsername  bool   `toml:"limit_by_username"`

	LoginLimit     int           `toml:"login_limit"`
	LoginWindow    time.Duration `toml:"login_window"`
	RegisterLimit  int           `toml:"register_limit"`
	RegisterWindow time.Duration `toml:"register_window"`
	RefreshLimit   int           `toml:"refresh_limit"`
	RefreshWindow  time.Duration `toml:"refresh_window"`
}

// DefaultConfig returns a configuration suitable for local development
// apart from CookieSecure, which stays on.
func DefaultConfig() Config {
	policies := ratelimit.DefaultPolicies()
	return Config{
		Issuer:               "bluewhale-auth",
		Env:                  "dev",
		LogLevel:             "info",
		LogFormat:            "json",
		Port:                 8080,
		ShutdownGracePeriod:  10 * time.Second,
		HousekeepingInterval: time.Hour,
		DatabaseDriver:       "sqlite",
		DatabaseFile:         "auth.db",
		StoreTimeout:         service.DefaultStoreTimeout,
		KeyStorageMode:       "ephemeral",
		NumKeys:              2,
		PepperFile:           "pepper",
		CookieSecure:         true,
		CookieSameSite:       "lax",
		AccessTokenTTL:       jwtx.DefaultAccessTokenTTL,
		RefreshTokenTTL:      jwtx.DefaultRefreshTokenTTL,
		MFAChallengeTTL:      jwtx.DefaultChallengeTTL,
		RateLimitBackend:     "memory",
		LimitByUsername:      true,
		LoginLimit:           policies[ratelimit.ClassLogin].Limit,
		LoginWindow:          policies[ratelimit.ClassLogin].Window,
		RegisterLimit:        policies[ratelimit.ClassRegister].Limit,
		RegisterWindow:       policies[ratelimit.ClassRegister].Window,
		RefreshLimit:         policies[ratelimit.ClassRefresh].Limit,
		RefreshWindow:        policies[ratelimit.ClassRefresh].Window,
	}
}

// LoadConfig builds the configuration and validates it.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Issuer = getEnvOrDefault("AUTH_ISSUER", c.Issuer)
	c.Env = getEnvOrDefault("ENV", c.Env)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)
	c.Port = getEnvIntOrDefault("PORT", c.Port)
	c.ShutdownGracePeriod = getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", c.ShutdownGracePeriod)
	c.HousekeepingInterval = getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", c.HousekeepingInterval)
	c.TrustProxy = getEnvBoolOrDefault("AUTH_TRUST_PROXY", c.TrustProxy)

	c.DatabaseDriver = getEnvOrDefault("AUTH_DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseFile = getEnvOrDefault("AUTH_DATABASE_FILE", c.DatabaseFile)
	c.DatabaseURL = getEnvOrDefault("AUTH_DATABASE_URL", c.DatabaseURL)
	c.StoreTimeout = getEnvDurationOrDefault("AUTH_STORE_TIMEOUT", c.StoreTimeout)

	c.KeyStorageMode = getEnvOrDefault("AUTH_KEY_STORAGE_MODE", c.KeyStorageMode)
	c.NumKeys = getEnvIntOrDefault("AUTH_NUM_KEYS", c.NumKeys)
	c.KeyMaxAge = getEnvDurationOrDefault("AUTH_KEY_MAX_AGE", c.KeyMaxAge)
	c.MasterKeyPath = getEnvOrDefault("AUTH_MASTER_KEY_PATH", c.MasterKeyPath)
	c.PepperFile = getEnvOrDefault("AUTH_PEPPER_FILE", c.PepperFile)
	c.AdminToken = getEnvOrDefault("AUTH_ADMIN_TOKEN", c.AdminToken)
	c.CSRFSecret = getEnvOrDefault("AUTH_CSRF_SECRET", c.CSRFSecret)

	c.CookieSecure = getEnvBoolOrDefault("AUTH_COOKIE_SECURE", c.CookieSecure)
	c.CookieSameSite = getEnvOrDefault("AUTH_COOKIE_SAMESITE", c.CookieSameSite)
	c.CookieDomain = getEnvOrDefault("AUTH_COOKIE_DOMAIN", c.CookieDomain)

	c.AccessTokenTTL = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_TTL", c.AccessTokenTTL)
	c.RefreshTokenTTL = getEnvDurationOrDefault("AUTH_REFRESH_TOKEN_TTL", c.RefreshTokenTTL)
	c.MFAChallengeTTL = getEnvDurationOrDefault("AUTH_MFA_CHALLENGE_TTL", c.MFAChallengeTTL)

	c.RateLimitBackend = getEnvOrDefault("AUTH_RATELIMIT_BACKEND", c.RateLimitBackend)
	c.RedisAddr = getEnvOrDefault("AUTH_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnvOrDefault("AUTH_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvIntOrDefault("AUTH_REDIS_DB", c.RedisDB)
	c.LimitByUsername = getEnvBoolOrDefault("AUTH_LIMIT_BY_USERNAME", c.LimitByUsername)

	c.LoginLimit = getEnvIntOrDefault("AUTH_LOGIN_LIMIT", c.LoginLimit)
	c.LoginWindow = getEnvDurationOrDefault("AUTH_LOGIN_WINDOW", c.LoginWindow)
	c.RegisterLimit = getEnvIntOrDefault("AUTH_REGISTER_LIMIT", c.RegisterLimit)
	c.RegisterWindow = getEnvDurationOrDefault("AUTH_REGISTER_WINDOW", c.RegisterWindow)
	c.RefreshLimit = getEnvIntOrDefault("AUTH_REFRESH_LIMIT", c.RefreshLimit)
	c.RefreshWindow = getEnvDurationOrDefault("AUTH_REFRESH_WINDOW", c.RefreshWindow)
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting so they can be fixed in
// one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (c *Config) Validate() error {
	var errs ValidationErrors
	fail := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Issuer == "" {
		fail("issuer", "must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		fail("port", "%d is out of range", c.Port)
	}

	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabaseFile == "" {
			fail("database_file", "required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			fail("database_url", "required for the postgres driver")
		}
	default:
		fail("database_driver", "%q must be sqlite or postgres", c.DatabaseDriver)
	}

	switch c.KeyStorageMode {
	case "ephemeral", "persistent":
	default:
		fail("key_storage_mode", "%q must be ephemeral or persistent", c.KeyStorageMode)
	}
	if c.KeyMaxAge < 0 {
		fail("key_max_age", "must not be negative")
	}

	if _, ok := parseSameSite(c.CookieSameSite); !ok {
		fail("cookie_same_site", "%q must be lax, strict or none", c.CookieSameSite)
	}
	if strings.EqualFold(c.CookieSameSite, "none") && !c.CookieSecure {
		fail("cookie_same_site", "none requires cookie_secure")
	}
	switch {
	case c.CSRFSecret != "" && len(c.CSRFSecret) < 32:
		fail("csrf_secret", "must be at least 32 bytes")
	case c.CSRFSecret == "" && c.sharedDeployment():
		// Each replica would generate its own and reject the others' tokens.
		fail("csrf_secret", "required when state is shared with other replicas")
	}

	for field, d := range map[string]time.Duration{
		"access_token_ttl":  c.AccessTokenTTL,
		"refresh_token_ttl": c.RefreshTokenTTL,
		"mfa_challenge_ttl": c.MFAChallengeTTL,
		"store_timeout":     c.StoreTimeout,
	} {
		if d <= 0 {
			fail(field, "must be positive")
		}
	}
	if c.RefreshTokenTTL > 0 && c.RefreshTokenTTL <= c.AccessTokenTTL {
		fail("refresh_token_ttl", "must be longer than access_token_ttl")
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			fail("redis_addr", "required for the redis rate limit backend")
		}
	default:
		fail("rate_limit_backend", "%q must be memory or redis", c.RateLimitBackend)
	}
	for class, p := range c.RateLimitPolicies() {
		if p.Limit <= 0 || p.Window <= 0 {
			fail(string(class)+"_limit", "limit and window must be positive")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RateLimitPolicies returns the per-class limits.
func (c *Config) RateLimitPolicies() map[ratelimit.Class]ratelimit.Policy {
	return map[ratelimit.Class]ratelimit.Policy{
		ratelimit.ClassLogin:    {Limit: c.LoginLimit, Window: c.LoginWindow},
		ratelimit.ClassRegister: {Limit: c.RegisterLimit, Window: c.RegisterWindow},
		ratelimit.ClassRefresh:  {Limit: c.RefreshLimit, Window: c.RefreshWindow},
	}
}

// SameSite returns the cookie SameSite mode.
func (c *Config) SameSite() http.SameSite {
	mode, _ := parseSameSite(c.CookieSameSite)
	return mode
}

func parseSameSite(s string) (http.SameSite, bool) {
	switch strings.ToLower(s) {
	case "", "lax":
		return http.SameSiteLaxMode, true
	case "strict":
		return http.SameSiteStrictMode, true
	case "none":
		return http.SameSiteNoneMode, true
	}
	return http.SameSiteDefaultMode, false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}

// sharedDeployment reports whether the configured backends let several
// replicas serve the same users.
func (c *Config) sharedDeployment() bool {
	return c.DatabaseDriver == "postgres" || c.RateLimitBackend == "redis"
}
