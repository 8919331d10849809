package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Store drivers understood by StoreDriver.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Providers with a configurable API base URL, keyed by their env prefix.
var providerURLKeys = map[string]string{
	"stripe": "STRIPE_BASE_URL",
	"paypal": "PAYPAL_BASE_URL",
	"square": "SQUARE_BASE_URL",
	"paypay": "PAYPAY_BASE_URL",
	"komoju": "KOMOJU_BASE_URL",
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	StoreDriver        string
	RunMigrations      bool
	VaultKey           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	PublicBaseURL      string

	ProviderTimeout            time.Duration
	ProviderBreakerMinRequests int
	ProviderBreakerRatio       float64
	ProviderBreakerOpenFor     time.Duration
	PollGraceOverride          time.Duration
	PollLockTTL                time.Duration

	LinkDefaultTTL time.Duration
	LinkMaxTTL     time.Duration

	CreateRateLimit     int
	CreateRateWindow    time.Duration
	WebhookRateLimit    string
	WebhookMaxBodyBytes int64
	WebhookReplayTTL    time.Duration
	IdempotencyTTL      time.Duration

	SweepInterval     time.Duration
	StalePendingAfter time.Duration
	WorkerConcurrency int

	ProviderBaseURLs map[string]string
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return build(k)
}

// MustLoad is Load that panics.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests builds a Config from vars alone, ignoring the process
// environment and any .env file.
func LoadForTests(vars map[string]string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(vars), nil); err != nil {
		return nil, err
	}
	return build(k)
}

func build(k *koanf.Koanf) (*Config, error) {
	r := reader{k: k}
	cfg := &Config{
		AppEnv:             r.str("APP_ENV", "development"),
		Port:               r.str("PORT", "8080"),
		DatabaseURL:        r.str("DATABASE_URL", ""),
		RedisURL:           r.str("REDIS_URL", ""),
		StoreDriver:        strings.ToLower(r.str("STORE_DRIVER", StoreDriverPostgres)),
		RunMigrations:      r.boolean("RUN_MIGRATIONS", true),
		VaultKey:           r.str("VAULT_KEY", ""),
		JWTSecret:          r.str("JWT_SECRET", ""),
		JWTIssuer:          r.str("JWT_ISSUER", ""),
		JWTAudience:        r.str("JWT_AUDIENCE", ""),
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS"),
		PublicBaseURL:      strings.TrimRight(r.str("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		ProviderTimeout:            r.duration("PROVIDER_TIMEOUT", 10*time.Second),
		ProviderBreakerMinRequests: r.integer("PROVIDER_BREAKER_MIN_REQUESTS", 10),
		ProviderBreakerRatio:       r.float("PROVIDER_BREAKER_FAILURE_RATIO", 0.5),
		ProviderBreakerOpenFor:     r.duration("PROVIDER_BREAKER_OPEN_FOR", 30*time.Second),
		PollGraceOverride:          r.duration("POLL_GRACE_OVERRIDE", 0),
		PollLockTTL:                r.duration("POLL_LOCK_TTL", 15*time.Second),

		LinkDefaultTTL: r.duration("LINK_DEFAULT_TTL", 24*time.Hour),
		LinkMaxTTL:     r.duration("LINK_MAX_TTL", 30*24*time.Hour),

		CreateRateLimit:     r.integer("CREATE_RATE_LIMIT", 30),
		CreateRateWindow:    r.duration("CREATE_RATE_WINDOW", time.Minute),
		WebhookRateLimit:    r.str("WEBHOOK_RATE_LIMIT", "600-M"),
		WebhookMaxBodyBytes: int64(r.integer("WEBHOOK_MAX_BODY_BYTES", 256<<10)),
		WebhookReplayTTL:    r.duration("WEBHOOK_REPLAY_TTL", 24*time.Hour),
		IdempotencyTTL:      r.duration("IDEMPOTENCY_TTL", 24*time.Hour),

		SweepInterval:     r.duration("SWEEP_INTERVAL", time.Minute),
		StalePendingAfter: r.duration("STALE_PENDING_AFTER", 10*time.Minute),
		WorkerConcurrency: r.integer("WORKER_CONCURRENCY", 10),

		ProviderBaseURLs: make(map[string]string, len(providerURLKeys)),
	}
	for provider, key := range providerURLKeys {
		cfg.ProviderBaseURLs[provider] = strings.TrimRight(r.str(key, ""), "/")
	}
	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver)
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.LinkMaxTTL < c.LinkDefaultTTL {
		return errors.New("LINK_MAX_TTL must not be shorter than LINK_DEFAULT_TTL")
	}
	if c.ProviderBreakerRatio <= 0 || c.ProviderBreakerRatio > 1 {
		return errors.New("PROVIDER_BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// WebhookURL returns the public notification URL for the given provider.
// Square signs the full notification URL, so it must match what was
// registered in the provider dashboard.
func (c *Config) WebhookURL(provider string) string {
	return fmt.Sprintf("%s/api/v1/webhooks/payment/%s", c.PublicBaseURL, provider)
}

// reader pulls typed values from koanf, collecting parse failures instead
// of silently using the fallback.
type reader struct {
	k    *koanf.Koanf
	errs []error
}

func (r *reader) raw(key string) string {
	return strings.TrimSpace(r.k.String(key))
}

func (r *reader) str(key, fallback string) string {
	if v := r.raw(key); v != "" {
		return v
	}
	return fallback
}

func (r *reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.raw(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := r.raw(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	v := r.raw(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (r *reader) float(key string, fallback float64) float64 {
	v := r.raw(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func (r *reader) boolean(key string, fallback bool) bool {
	switch strings.ToLower(r.raw(key)) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, r.raw(key)))
		return fallback
	}
}

// mapProvider feeds a flat map to koanf.
type mapProvider map[string]string

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}
