// Package gateway implements the provider adapters behind each payment
// gateway: PayPal for card/wallet, MercadoPago per country, three crypto
// processors and manual bank transfers. Every adapter speaks the uniform
// Adapter contract and reports upstream failures as *payment.GatewayError.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/resilience"
)

// Adapter is the uniform contract of one configured gateway variant.
type Adapter interface {
	Gateway() payment.Gateway
	// Variant is the registry sub-key: a country code for country_bank, the
	// processor name for crypto and empty otherwise.
	Variant() string
	// Initiate opens the payment upstream. paymentID is the id already
	// assigned to the local record so providers can echo it back.
	Initiate(ctx context.Context, paymentID string, req payment.PaymentRequest) (payment.InitiateResult, error)
	CheckStatus(ctx context.Context, providerReference string) (payment.ProviderStatus, error)
	// TestConnection reports credential and connectivity health. It never
	// returns an error.
	TestConnection(ctx context.Context) bool
}

// WebhookParser is implemented by adapters that accept provider
// notifications. Implementations verify authenticity before returning a
// signal: a bad signature yields payment.ErrSignatureInvalid and events that
// carry no payment outcome yield payment.ErrIgnoredEvent.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, r *http.Request, body []byte) (payment.Signal, error)
}

// Capturer is implemented by redirect gateways whose approval must be
// captured once the buyer returns.
type Capturer interface {
	Capture(ctx context.Context, providerReference string) (payment.ProviderStatus, error)
}

// Deps carries the collaborators shared by every adapter.
type Deps struct {
	Client   *http.Client
	Breakers *resilience.Set
	// Timeout bounds each upstream attempt.
	Timeout time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger
	// AllowUnverified lets webhooks through when no verification secret is
	// configured. Signals are then marked unverified.
	AllowUnverified bool
}

// NewHTTPClient returns an outbound client traced through otelhttp.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Deps) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return NewHTTPClient(d.Timeout)
}

func (d Deps) breaker(target string) *resilience.Breaker {
	if d.Breakers == nil {
		return resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget(target)
	}
	return d.Breakers.For(target)
}

func target(g payment.Gateway, variant string) string {
	if variant == "" {
		return string(g)
	}
	return string(g) + ":" + variant
}
