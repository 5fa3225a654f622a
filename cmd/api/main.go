package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/app"
	"github.com/noah-isme/hostpay/internal/auth"
	"github.com/noah-isme/hostpay/internal/config"
	"github.com/noah-isme/hostpay/internal/health"
	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/ratelimit"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	tracing, stopTracing := setupTracing(cfg, logger)
	defer stopTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger, app.Options{
		ApplicationName:        "hostpay-api",
		InstrumentRedisMetrics: cfg.Obs.MetricsEnabled,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	limiter, err := webhookLimiter(cfg, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise webhook rate limiter")
	}
	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBucketsMS), nil)
	}

	r := newRouter(routerConfig{
		Deps:           deps,
		Verifier:       adminVerifier(cfg, logger),
		WebhookLimiter: limiter,
		HTTPMetrics:    httpMetrics,
		Tracing:        tracing,
		Metrics:        cfg.Obs.MetricsEnabled,
		Health: health.Handler{Probes: []health.Probe{
			health.Store(deps.Store, cfg.Obs.ReadyDBTimeout),
			health.Redis(deps.Redis, cfg.Obs.ReadyRedisTimeout),
		}},
	})
	if cfg.Obs.PprofEnabled {
		r.Mount("/debug/pprof", basicAuth(pprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPassword))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Int("gateways", len(deps.Registry.Keys())).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

// setupTracing installs the global tracer provider. It reports whether
// tracing is active and returns the flush hook to defer.
func setupTracing(cfg *config.Config, logger zerolog.Logger) (bool, func()) {
	if !cfg.Obs.TracingEnabled {
		return false, func() {}
	}
	shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:   "hostpay-api",
		Endpoint:      cfg.Obs.OTLPEndpoint,
		Exporter:      cfg.Obs.TracingExporter,
		SamplingRatio: cfg.Obs.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		return false, func() {}
	}
	return true, func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}
}

// adminVerifier returns nil when no secret is configured, which leaves the
// admin routes answering 503.
func adminVerifier(cfg *config.Config, logger zerolog.Logger) *auth.Verifier {
	if cfg.AdminJWTSecret == "" {
		logger.Warn().Msg("ADMIN_JWT_SECRET not set; admin endpoints are disabled")
		return nil
	}
	v, err := auth.NewVerifier(auth.Config{
		Secret:    cfg.AdminJWTSecret,
		Issuer:    cfg.AdminJWTIssuer,
		Audience:  cfg.AdminJWTAudience,
		Role:      auth.AdminRole,
		ClockSkew: 30 * time.Second,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise admin auth")
	}
	return v
}

// webhookLimiter shares counters through Redis when it is available so the
// limit holds across replicas.
func webhookLimiter(cfg *config.Config, deps *app.Dependencies) (*ratelimit.Limiter, error) {
	rate, err := ratelimit.ParseRate(cfg.WebhookRateLimit)
	if err != nil {
		return nil, err
	}
	if deps.Redis == nil {
		return ratelimit.NewMemory(rate), nil
	}
	return ratelimit.NewRedis(deps.Redis, "hostpay:ratelimit", rate, false)
}
