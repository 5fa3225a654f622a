// Package orchestrator creates payments: it validates the request, resolves
// the adapter, persists the record and opens the payment upstream.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/store"
)

// Resolver picks the adapter that serves a request.
type Resolver interface {
	Resolve(req payment.PaymentRequest) (gateway.Adapter, error)
}

// Transitions records the outcome of an initiate call. *reconcile.Engine
// implements it.
type Transitions interface {
	MarkInitiated(ctx context.Context, paymentID string, res payment.InitiateResult) (payment.Payment, error)
	MarkInitiateFailed(ctx context.Context, paymentID string, cause error) (payment.Payment, error)
}

// Service creates payments. It does not retry upstream calls and is not
// idempotent on its own: every call opens a new payment.
type Service struct {
	Registry    Resolver
	Payments    store.Payments
	Transitions Transitions
	Logger      zerolog.Logger
	Now         func() time.Time
	// InitiateTimeout bounds the adapter's Initiate call.
	InitiateTimeout time.Duration
	NewID           func() string
}

// CreatePayment runs the creation pipeline. Failures are reported in the
// result rather than as an error. A record exists for every request that got
// past validation and resolution, including those whose initiate failed.
func (s *Service) CreatePayment(ctx context.Context, req payment.PaymentRequest) payment.PaymentResult {
	ctx, span := otel.Tracer("orchestrator.Service").Start(ctx, "Service.CreatePayment")
	defer span.End()

	req.Normalise()
	span.SetAttributes(
		attribute.String("payment.gateway", string(req.Gateway)),
		attribute.String("payment.variant", req.GatewayVariant),
		attribute.String("order.id", req.OrderID),
	)
	g := string(req.Gateway)
	fail := func(result string, err error) payment.PaymentResult {
		obs.CountPaymentCreated(g, result)
		span.RecordError(err)
		span.SetStatus(codes.Error, payment.ErrorCode(err))
		return payment.Failed(err)
	}

	if err := req.Validate(); err != nil {
		return fail("invalid", err)
	}
	if s.Registry == nil || s.Payments == nil || s.Transitions == nil {
		return fail("error", fmt.Errorf("orchestrator: service not configured"))
	}
	adapter, err := s.Registry.Resolve(req)
	if err != nil {
		return fail("not_configured", err)
	}

	now := s.now()
	p := payment.Payment{
		ID:            s.newID(),
		Gateway:       req.Gateway,
		Variant:       adapter.Variant(),
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		CustomerEmail: req.CustomerEmail,
		Status:        payment.StatusCreated,
		Tolerance:     req.Gateway.AmountTolerance(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Payments.CreatePayment(ctx, p); err != nil {
		return fail("error", fmt.Errorf("orchestrator: create payment: %w", err))
	}
	span.SetAttributes(attribute.String("payment.id", p.ID))

	res, err := s.initiate(ctx, adapter, p.ID, req)
	stored := p
	if err == nil {
		// A webhook can settle the payment before Initiate returns; that
		// status is kept and the creation still succeeds.
		stored, err = s.Transitions.MarkInitiated(ctx, p.ID, res)
	}
	if err != nil {
		// The upstream call may have gone through; the failed record stays for
		// manual reconciliation.
		if _, markErr := s.Transitions.MarkInitiateFailed(context.WithoutCancel(ctx), p.ID, err); markErr != nil {
			s.Logger.Error().Err(markErr).Str("payment_id", p.ID).Msg("record initiate failure")
		}
		out := fail("initiate_failed", err)
		out.PaymentID = p.ID
		out.Gateway = p.Gateway
		return out
	}

	obs.CountPaymentCreated(g, "success")
	s.Logger.Info().
		Str("payment_id", p.ID).
		Str("order_id", p.OrderID).
		Str("gateway", g).
		Str("variant", p.Variant).
		Str("kind", string(res.Kind)).
		Str("status", string(stored.Status)).
		Str("amount", p.Amount.String()).
		Str("currency", p.Currency).
		Msg("payment_created")

	out := payment.PaymentResult{
		Success:     true,
		PaymentID:   p.ID,
		Gateway:     p.Gateway,
		Kind:        res.Kind,
		RedirectURL: res.RedirectURL(),
		PaymentData: res.Data(),
	}
	if res.ExpiresAt != nil {
		at := res.ExpiresAt.UTC()
		out.ExpiresAt = &at
	}
	return out
}

// GetPayment returns the payment with the given id.
func (s *Service) GetPayment(ctx context.Context, id string) (payment.Payment, error) {
	if s.Payments == nil {
		return payment.Payment{}, store.ErrStoreUnavailable
	}
	return s.Payments.GetPayment(ctx, id)
}

func (s *Service) initiate(ctx context.Context, a gateway.Adapter, paymentID string, req payment.PaymentRequest) (payment.InitiateResult, error) {
	timeout := s.InitiateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := a.Initiate(ctx, paymentID, req)
	if err != nil {
		return payment.InitiateResult{}, err
	}
	if res.ProviderReference == "" {
		return payment.InitiateResult{}, payment.NewGatewayError(req.Gateway, 0, "EMPTY_REFERENCE", "provider returned no reference")
	}
	return res, nil
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
