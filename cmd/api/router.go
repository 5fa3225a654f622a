package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/hostpay/internal/app"
	"github.com/noah-isme/hostpay/internal/auth"
	"github.com/noah-isme/hostpay/internal/common"
	"github.com/noah-isme/hostpay/internal/config"
	"github.com/noah-isme/hostpay/internal/health"
	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/orchestrator"
	"github.com/noah-isme/hostpay/internal/ratelimit"
	"github.com/noah-isme/hostpay/internal/reconcile"
	"github.com/noah-isme/hostpay/internal/registry"
	"github.com/noah-isme/hostpay/internal/security"
)

type routerConfig struct {
	Deps           *app.Dependencies
	Verifier       *auth.Verifier
	WebhookLimiter *ratelimit.Limiter
	HTTPMetrics    *obs.HTTPMetrics
	Health         health.Handler
	Tracing        bool
	Metrics        bool
}

func newRouter(rc routerConfig) *chi.Mux {
	deps := rc.Deps
	cfg := deps.Config
	logger := deps.Logger

	payments := &orchestrator.Handler{Svc: &orchestrator.Service{
		Registry:        deps.Registry,
		Payments:        deps.Store,
		Transitions:     deps.Engine,
		Logger:          logger.With().Str("component", "orchestrator").Logger(),
		InitiateTimeout: cfg.GatewayTimeout,
	}}
	gateways := &registry.Handler{
		Registry: deps.Registry,
		Builder:  deps.Factory,
		Configs:  deps.Store,
		Logger:   logger.With().Str("component", "registry").Logger(),
	}
	webhooks := reconcile.Webhook{
		Engine:   deps.Engine,
		Registry: deps.Registry,
		Logger:   logger.With().Str("component", "webhook").Logger(),
	}
	admin := reconcile.Admin{
		Engine:   deps.Engine,
		Accounts: deps.Store,
		Logger:   logger.With().Str("component", "admin").Logger(),
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	limit := ratelimit.Handler{
		Limiter: rc.WebhookLimiter,
		OnError: func(err error) { logger.Warn().Err(err).Msg("webhook rate limiter unavailable") },
	}
	adminAuth := auth.Middleware{Verifier: rc.Verifier}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if rc.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if rc.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: rc.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: cfg.IsProduction()}.Middleware)
	r.Use(security.BodyLimit{Max: security.DefaultMaxBody}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if rc.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/health/live", rc.Health.Live)
	r.Get("/health/ready", rc.Health.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.With(idem.Middleware).Post("/payments", payments.Create)
		v.Get("/payments/return/card_wallet", reconcile.Return{Engine: deps.Engine}.ServeHTTP)
		v.Get("/payments/{id}", payments.Get)
		v.Get("/gateways/countries", gateways.Countries)

		v.Route("/webhooks/payment", func(wh chi.Router) {
			wh.Use(limit.Middleware)
			wh.Post("/{gateway}", webhooks.Handle)
			wh.Post("/{gateway}/{variant}", webhooks.Handle)
		})

		v.Route("/admin", func(a chi.Router) {
			a.Use(adminAuth.RequireAdmin)
			a.Get("/gateways", gateways.List)
			a.Put("/gateways/{gateway}", gateways.Upsert)
			a.Post("/payments/{id}/confirm", admin.Confirm)
			a.Post("/payments/{id}/refund", admin.Refund)
			a.Post("/bank-transfers/{reference}/confirm", admin.ConfirmBankTransfer)
			a.Get("/bank-accounts", admin.ListBankAccounts)
			a.Put("/bank-accounts", admin.UpsertBankAccount)
		})
	})
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}
