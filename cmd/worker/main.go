package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/hostpay/internal/app"
	"github.com/noah-isme/hostpay/internal/config"
	"github.com/noah-isme/hostpay/internal/events"
	"github.com/noah-isme/hostpay/internal/lock"
	"github.com/noah-isme/hostpay/internal/notify"
	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/resilience"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	if cfg.RedisURL == "" {
		logger.Fatal().Msg("REDIS_URL is required by the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger, app.Options{ApplicationName: "hostpay-worker"})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	locker := lock.Locker{R: deps.Redis, RetryBackoff: 100 * time.Millisecond}
	dispatcher := &notify.Dispatcher{
		Outbox: deps.Store,
		HTTP: resilience.HTTPClient{
			Client:      notify.HttpClient(int(cfg.GatewayTimeout/time.Millisecond), false),
			Breaker:     resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
			Timeout:     cfg.GatewayTimeout,
		},
		URL:       cfg.InvoiceCallbackURL,
		Secret:    cfg.InvoiceCallbackSecret,
		Replay:    notify.RedisReplayProtector{Client: deps.Redis},
		ReplayTTL: cfg.IdempotencyTTL,
		Logger:    logger.With().Str("component", "notify").Logger(),
	}
	if cfg.InvoiceCallbackURL == "" {
		logger.Warn().Msg("INVOICE_CALLBACK_URL not set; events are recorded but not delivered")
	}
	delivery := notify.DeliveryWorker{Dispatcher: dispatcher, Locker: locker, LockTTL: cfg.LockTTL}
	jobs := maintenance{
		Engine:    deps.Engine,
		Locker:    locker,
		LockTTL:   cfg.LockTTL,
		PollBatch: cfg.PollBatch,
		Logger:    logger,
	}

	redisOpt, err := app.AsynqRedisOpt(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("asynq redis options")
	}
	asynqLogger := events.AsynqLogger{Logger: logger.With().Str("component", "asynq").Logger()}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues: map[string]int{
			events.QueueEvents:      6,
			events.QueueMaintenance: 2,
		},
		Logger: asynqLogger,
	})
	mux := asynq.NewServeMux()
	mux.Handle(events.TypeDeliverEvent, delivery)
	mux.HandleFunc(events.TypeSweep, jobs.Sweep)
	mux.HandleFunc(events.TypePoll, jobs.Poll)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger})
	if _, err := scheduler.Register(every(cfg.SweepInterval), events.NewSweepTask(), asynq.Queue(events.QueueMaintenance)); err != nil {
		logger.Fatal().Err(err).Msg("register sweep schedule")
	}
	if _, err := scheduler.Register(every(cfg.PollInterval), events.NewPollTask(), asynq.Queue(events.QueueMaintenance)); err != nil {
		logger.Fatal().Err(err).Msg("register poll schedule")
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	logger.Info().
		Dur("sweep_interval", cfg.SweepInterval).
		Dur("poll_interval", cfg.PollInterval).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker starting")

	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func every(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}
