package app

import (
	"context"
	"errors"
	"fmt"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/backend-paylink/internal/auth"
	"github.com/noah-isme/backend-paylink/internal/config"
	"github.com/noah-isme/backend-paylink/internal/db"
	"github.com/noah-isme/backend-paylink/internal/events"
	"github.com/noah-isme/backend-paylink/internal/links"
	"github.com/noah-isme/backend-paylink/internal/lock"
	"github.com/noah-isme/backend-paylink/internal/paylink"
	"github.com/noah-isme/backend-paylink/internal/payment"
	"github.com/noah-isme/backend-paylink/internal/queue"
	"github.com/noah-isme/backend-paylink/internal/ratelimit"
	"github.com/noah-isme/backend-paylink/internal/reconcile"
	"github.com/noah-isme/backend-paylink/internal/vault"
)

const keyPrefix = "paylink:"

// Dependencies enumerates the services shared by the API and the worker.
type Dependencies struct {
	Config       *config.Config
	Logger       zerolog.Logger
	DB           *pgxpool.Pool
	Redis        *redis.Client
	Validator    *validator.Validate
	LimiterStore limiter.Store
	TaskClient   *asynq.Client
	// MeterProvider backs the OpenTelemetry metrics of provider HTTP calls.
	MeterProvider metric.MeterProvider

	Registry   *payment.Registry
	LinkStore  paylink.Store
	EventStore events.EventStore
	Vault      *vault.Service
	Bus        *events.Bus
	Engine     *reconcile.Engine
	Links      *links.Service
	Webhook    reconcile.Webhook
	Verifier   *auth.Verifier
}

// Build wires every service from cfg. pool may be nil when the memory store
// driver is selected; rdb is always required.
func Build(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, rdb *redis.Client) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if rdb == nil {
		return nil, errors.New("app: redis client is required")
	}
	d := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		DB:        pool,
		Redis:     rdb,
		Validator: validator.New(),

		MeterProvider: otel.GetMeterProvider(),
	}

	var configStore vault.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		configStore = vault.NewMemoryStore()
		d.LinkStore = paylink.NewMemoryStore()
		d.EventStore = &events.MemoryStore{}
	default:
		if pool == nil {
			return nil, errors.New("app: database pool is required for the postgres store driver")
		}
		configStore = vault.NewPostgresStore(pool)
		d.LinkStore = paylink.NewPostgresStore(pool)
		d.EventStore = events.NewPostgresStore(pool)
	}

	store, err := ratelimit.NewStore(rdb, keyPrefix+"ulule")
	if err != nil {
		return nil, fmt.Errorf("init limiter store: %w", err)
	}
	d.LimiterStore = store
	d.TaskClient = asynq.NewClientFromRedisClient(rdb)

	d.Registry = payment.NewRegistry(payment.NewAdapters(func(p payment.Provider) payment.Options {
		return payment.Options{
			BaseURL:             cfg.ProviderBaseURLs[string(p)],
			Timeout:             cfg.ProviderTimeout,
			BreakerMinRequests:  cfg.ProviderBreakerMinRequests,
			BreakerFailureRatio: cfg.ProviderBreakerRatio,
			BreakerOpenFor:      cfg.ProviderBreakerOpenFor,
			PollGrace:           cfg.PollGraceOverride,
			MeterProvider:       d.MeterProvider,
			Logger:              logger.With().Str("provider", string(p)).Logger(),
		}
	})...)

	d.Vault = vault.NewService(configStore, vault.NewCipher(cfg.VaultKey), d.Registry, d.Validator, logger).
		WithUsageCounter(d.LinkStore)
	if err := d.Vault.Ready(context.Background()); err != nil {
		// Readiness reports this; credential operations fail until the key is fixed.
		logger.Error().Err(err).Msg("vault key unusable")
	}

	d.Bus = &events.Bus{
		Store:     d.EventStore,
		Scheduler: queue.Publisher{Client: d.TaskClient},
	}
	if cfg.StoreDriver == config.StoreDriverMemory {
		// No worker shares a memory store, so delivery happens inline.
		d.Bus.Scheduler = nil
		d.Bus.Notifiers = []events.Notifier{
			events.RedisPublisher{Client: rdb},
			events.LogNotifier{Logger: logger},
		}
	}

	d.Engine = reconcile.NewEngine(reconcile.Options{
		Store:       d.LinkStore,
		Registry:    d.Registry,
		Credentials: d.Vault,
		Emitter:     d.Bus,
		Locker:      lock.Locker{R: rdb, Prefix: keyPrefix},
		PollLockTTL: cfg.PollLockTTL,
		Logger:      logger.With().Str("component", "reconcile").Logger(),
	})

	d.Links = links.NewService(links.Options{
		Store:    d.LinkStore,
		Registry: d.Registry,
		Configs:  d.Vault,
		Engine:   d.Engine,
		Emitter:  d.Bus,
		Quota: ratelimit.Quota{
			Limiter: ratelimit.Limiter{Client: rdb, Prefix: keyPrefix + "rl"},
			Scope:   "link_create",
			Window:  cfg.CreateRateWindow,
			Max:     cfg.CreateRateLimit,
		},
		Validator:       d.Validator,
		DefaultTTL:      cfg.LinkDefaultTTL,
		MaxTTL:          cfg.LinkMaxTTL,
		ProviderTimeout: cfg.ProviderTimeout,
		PublicBaseURL:   cfg.PublicBaseURL,
		Logger:          logger.With().Str("component", "links").Logger(),
	})

	d.Webhook = reconcile.Webhook{
		Engine:        d.Engine,
		Registry:      d.Registry,
		Secrets:       d.Vault,
		Replay:        reconcile.RedisReplayGuard{Client: rdb},
		ReplayTTL:     cfg.WebhookReplayTTL,
		PublicBaseURL: cfg.PublicBaseURL,
		MaxBodyBytes:  cfg.WebhookMaxBodyBytes,
		Logger:        logger.With().Str("component", "webhook").Logger(),
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}
	d.Verifier = verifier
	return d, nil
}

// Close releases the task client. The pool and Redis client belong to the caller.
func (d *Dependencies) Close() error {
	if d == nil || d.TaskClient == nil {
		return nil
	}
	return d.TaskClient.Close()
}

// RunMigrations applies the embedded schema to databaseURL.
func RunMigrations(databaseURL string) error {
	m, err := db.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	return db.Up(m)
}
