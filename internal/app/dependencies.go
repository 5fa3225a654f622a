// Package app assembles the shared runtime graph used by the api and worker
// commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/config"
	"github.com/noah-isme/hostpay/internal/events"
	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/reconcile"
	"github.com/noah-isme/hostpay/internal/registry"
	"github.com/noah-isme/hostpay/internal/resilience"
	"github.com/noah-isme/hostpay/internal/store"
)

// Dependencies enumerates core services shared across commands.
type Dependencies struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    store.Store
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Breakers *resilience.Set
	Factory  gateway.Factory
	Registry *registry.Registry
	Engine   *reconcile.Engine
	Bus      *events.Bus
	Tasks    *asynq.Client

	closers []func()
}

// Options tune New for the calling command.
type Options struct {
	// ApplicationName is reported to Postgres as application_name.
	ApplicationName string
	// InstrumentRedisMetrics enables redisotel metrics in addition to tracing.
	InstrumentRedisMetrics bool
}

// New connects the store and Redis, builds the registry from env and stored
// gateway configs, and wires the reconciliation engine to the event bus.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	d := &Dependencies{Config: cfg, Logger: logger}

	st, pool, err := OpenStore(ctx, cfg, opts.ApplicationName, logger)
	if err != nil {
		return nil, err
	}
	d.Store, d.Pool = st, pool
	d.closers = append(d.closers, st.Close)

	if cfg.RedisURL != "" {
		rdb, err := OpenRedis(ctx, cfg.RedisURL, opts.InstrumentRedisMetrics, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Redis = rdb
		d.closers = append(d.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		})

		redisOpt, err := AsynqRedisOpt(cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Tasks = asynq.NewClient(redisOpt)
		tasks := d.Tasks
		d.closers = append(d.closers, func() { _ = tasks.Close() })
	} else {
		logger.Warn().Msg("REDIS_URL not set; idempotency, locks and event delivery are disabled")
	}

	d.Breakers = &resilience.Set{
		MinRequests:  cfg.BreakerMinRequests,
		FailureRatio: cfg.BreakerFailureRatio,
		OpenFor:      cfg.BreakerOpenFor,
		Logger:       logger,
	}
	d.Factory = gateway.Factory{
		Deps: gateway.Deps{
			Client:   gateway.NewHTTPClient(cfg.GatewayTimeout),
			Breakers: d.Breakers,
			Timeout:  cfg.GatewayTimeout,
			Logger:   logger.With().Str("component", "gateway").Logger(),
		},
		Accounts:            st,
		PublicURL:           cfg.PublicURL,
		CryptoTTL:           cfg.CryptoPaymentTTL,
		CryptoTolerance:     cfg.CryptoAmountTolerance,
		BankTTL:             cfg.BankTransferTTL,
		BankReferencePrefix: cfg.BankReferencePrefix,
		AllowUnverified:     cfg.WebhookAllowUnverified,
	}
	d.Registry = registry.New(logger.With().Str("component", "registry").Logger())
	if err := d.LoadRegistry(ctx); err != nil {
		logger.Warn().Err(err).Msg("some gateway configs could not be applied")
	}

	bus := &events.Bus{
		Store:     st,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger.With().Str("component", "events").Logger()}},
	}
	if d.Tasks != nil {
		bus.Scheduler = events.AsynqScheduler{Client: d.Tasks, Queue: events.QueueEvents}
	}
	d.Bus = bus
	d.Engine = &reconcile.Engine{
		Payments:    st,
		Events:      bus,
		Adapters:    d.Registry,
		Logger:      logger.With().Str("component", "reconcile").Logger(),
		PollTimeout: cfg.GatewayTimeout,
	}
	return d, nil
}

// LoadRegistry applies env-derived gateway configs followed by the configs
// persisted through the admin API, so stored configs win.
func (d *Dependencies) LoadRegistry(ctx context.Context) error {
	joined := d.Registry.Configure(d.Factory, d.Config.GatewayConfigs()...)
	stored, err := d.Store.ListGatewayConfigs(ctx)
	if err != nil {
		return errors.Join(joined, fmt.Errorf("list gateway configs: %w", err))
	}
	if err := d.Registry.Configure(d.Factory, stored...); err != nil {
		joined = errors.Join(joined, err)
	}
	for _, key := range d.Registry.Keys() {
		d.Logger.Info().Str("gateway", key.String()).Msg("gateway registered")
	}
	return joined
}

// Close releases every connection opened by New in reverse order.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// OpenStore returns the payment store selected by STORE_DRIVER. The pool is
// nil for the memory driver.
func OpenStore(ctx context.Context, cfg *config.Config, appName string, logger zerolog.Logger) (store.Store, *pgxpool.Pool, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return store.NewMemory(), nil, nil
	}
	if cfg.DBAutoMigrate {
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info().Msg("database migrations applied")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	if appName == "" {
		appName = "hostpay"
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return store.NewPostgres(pool), pool, nil
}

// OpenRedis connects and instruments a Redis client.
func OpenRedis(ctx context.Context, url string, withMetrics bool, logger zerolog.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if withMetrics {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisClient, nil
}

// AsynqRedisOpt converts REDIS_URL into asynq connection options.
func AsynqRedisOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url for asynq: %w", err)
	}
	return opt, nil
}
