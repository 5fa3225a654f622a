// Package reconcile owns the payment state machine. Every status change after
// creation goes through the Engine, which serialises work per payment through
// the store's row lock and emits lifecycle events once a change commits.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/store"
)

// Publisher receives lifecycle events after the state change committed.
type Publisher interface {
	Publish(ctx context.Context, ev payment.Event) error
}

// AdapterLookup resolves the adapter that opened a payment.
type AdapterLookup interface {
	Lookup(g payment.Gateway, variant string) (gateway.Adapter, error)
}

// Engine applies confirmation signals and time-driven transitions.
type Engine struct {
	Payments store.Payments
	Events   Publisher
	Adapters AdapterLookup
	Logger   zerolog.Logger
	Now      func() time.Time
	// PollTimeout bounds each CheckStatus call made by Poll.
	PollTimeout time.Duration
}

type decision struct {
	reason  payment.Reason
	applied bool
	events  []payment.EventType
	warn    string
}

// Apply runs sig against the payment with the given id.
func (e *Engine) Apply(ctx context.Context, paymentID string, sig payment.Signal) (payment.ApplyResult, error) {
	ctx, span := otel.Tracer("reconcile.Engine").Start(ctx, "Engine.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", paymentID),
		attribute.String("signal.source", string(sig.Source)),
		attribute.String("signal.status", string(sig.ClaimedStatus)),
	)

	if !sig.ClaimedStatus.Valid() {
		return payment.ApplyResult{PaymentID: paymentID}, fmt.Errorf("%w: unknown claimed status %q", payment.ErrMalformedSignal, sig.ClaimedStatus)
	}
	if sig.ClaimedStatus == payment.ClaimSuccess && sig.ClaimedAmount == nil {
		return payment.ApplyResult{PaymentID: paymentID}, fmt.Errorf("%w: success claim without amount", payment.ErrMalformedSignal)
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = e.now()
	}
	digest := signalDigest(sig)

	var d decision
	updated, err := e.Payments.Mutate(ctx, paymentID, func(p *payment.Payment) error {
		d = e.decide(p, sig, digest)
		if d.reason == payment.ReasonDuplicate && p.HasEvidence(digest) {
			return store.ErrNoChange
		}
		p.Evidence = append(p.Evidence, payment.Evidence{
			Source:          sig.Source,
			Digest:          digest,
			ClaimedStatus:   sig.ClaimedStatus,
			ClaimedAmount:   sig.ClaimedAmount,
			ClaimedCurrency: sig.ClaimedCurrency,
			Verified:        sig.Verified,
			Outcome:         d.reason,
			ReceivedAt:      sig.ReceivedAt.UTC(),
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return payment.ApplyResult{PaymentID: paymentID}, err
	}

	res := payment.ApplyResult{PaymentID: paymentID, Applied: d.applied, Reason: d.reason, Status: updated.Status}
	obs.CountSignal(string(updated.Gateway), string(sig.Source), string(d.reason))
	span.SetAttributes(attribute.String("apply.reason", string(d.reason)), attribute.Bool("apply.applied", d.applied))

	log := e.Logger.With().
		Str("payment_id", paymentID).
		Str("gateway", string(updated.Gateway)).
		Str("source", string(sig.Source)).
		Str("claimed_status", string(sig.ClaimedStatus)).
		Str("status", string(updated.Status)).
		Bool("verified", sig.Verified).
		Logger()
	switch d.warn {
	case "signal_conflict":
		log.Warn().Str("order_id", updated.OrderID).Msg("signal_conflict")
	case "amount_mismatch":
		mismatch := &payment.AmountMismatchError{
			PaymentID:        updated.ID,
			ExpectedAmount:   updated.Amount,
			ExpectedCurrency: updated.Currency,
			ClaimedAmount:    *sig.ClaimedAmount,
			ClaimedCurrency:  sig.ClaimedCurrency,
			Tolerance:        updated.Tolerance,
		}
		log.Warn().Err(mismatch).Str("order_id", updated.OrderID).Msg("amount_mismatch")
	case "signal_duplicate":
		log.Info().Msg("signal_duplicate")
	default:
		log.Info().Str("reason", string(d.reason)).Msg("signal_applied")
	}

	for _, t := range d.events {
		e.publish(ctx, newEvent(updated, t, d.reason, e.now()))
	}
	return res, nil
}

// ApplySignal resolves the payment a provider signal refers to and applies
// it. The payment id echoed by the provider is trusted only when the record
// belongs to the same gateway and its provider reference agrees; otherwise
// the exact provider reference decides. No match yields a
// *payment.UnmatchedReferenceError and no state change.
func (e *Engine) ApplySignal(ctx context.Context, g payment.Gateway, sig payment.Signal) (payment.ApplyResult, error) {
	p, err := e.resolve(ctx, g, sig)
	if err != nil {
		var unmatched *payment.UnmatchedReferenceError
		if errors.As(err, &unmatched) {
			obs.CountSignal(string(g), string(sig.Source), "unmatched")
			e.Logger.Error().
				Str("gateway", string(g)).
				Str("reference", sig.ClaimedReference).
				Str("claimed_payment_id", sig.ClaimedPaymentID).
				Str("digest", signalDigest(sig)).
				Msg("unmatched_reference")
		}
		return payment.ApplyResult{}, err
	}
	return e.Apply(ctx, p.ID, sig)
}

func (e *Engine) resolve(ctx context.Context, g payment.Gateway, sig payment.Signal) (payment.Payment, error) {
	if id := strings.TrimSpace(sig.ClaimedPaymentID); id != "" {
		p, err := e.Payments.GetPayment(ctx, id)
		switch {
		case err == nil:
			if p.Gateway == g && (sig.ClaimedReference == "" || p.ProviderReference == "" || p.ProviderReference == sig.ClaimedReference) {
				return p, nil
			}
		case !errors.Is(err, payment.ErrPaymentNotFound):
			return payment.Payment{}, err
		}
	}
	if sig.ClaimedReference == "" {
		return payment.Payment{}, &payment.UnmatchedReferenceError{Gateway: g, Reference: sig.ClaimedPaymentID}
	}
	p, err := e.Payments.FindByReference(ctx, g, sig.ClaimedReference)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		return payment.Payment{}, &payment.UnmatchedReferenceError{Gateway: g, Reference: sig.ClaimedReference}
	}
	return p, err
}

func (e *Engine) decide(p *payment.Payment, sig payment.Signal, digest string) decision {
	if p.HasEvidence(digest) {
		return decision{reason: payment.ReasonDuplicate, warn: "signal_duplicate"}
	}
	if sig.ClaimedStatus == payment.ClaimPending {
		return decision{reason: payment.ReasonPending}
	}
	target, _ := sig.ClaimedStatus.Target()

	if p.Status.IsTerminal() {
		switch {
		case p.Status == payment.StatusConfirmed && target == payment.StatusRefunded:
			p.Status = payment.StatusRefunded
			return decision{reason: payment.ReasonApplied, applied: true, events: []payment.EventType{payment.EventRefunded}}
		case target == p.Status:
			return decision{reason: payment.ReasonDuplicate, warn: "signal_duplicate"}
		default:
			return decision{reason: payment.ReasonConflict, events: []payment.EventType{payment.EventConflict}, warn: "signal_conflict"}
		}
	}

	switch target {
	case payment.StatusConfirmed:
		if !amountMatches(*p, sig) {
			p.Status = payment.StatusFailed
			p.FailureReason = payment.ReasonAmountMismatch
			return decision{reason: payment.ReasonAmountMismatch, applied: true, events: []payment.EventType{payment.EventFailed}, warn: "amount_mismatch"}
		}
		now := e.now()
		p.Status = payment.StatusConfirmed
		p.ConfirmedAt = &now
		return decision{reason: payment.ReasonApplied, applied: true, events: []payment.EventType{payment.EventConfirmed}}
	case payment.StatusFailed:
		p.Status = payment.StatusFailed
		return decision{reason: payment.ReasonApplied, applied: true, events: []payment.EventType{payment.EventFailed}}
	case payment.StatusExpired:
		p.Status = payment.StatusExpired
		p.FailureReason = payment.ReasonExpired
		return decision{reason: payment.ReasonApplied, applied: true, events: []payment.EventType{payment.EventExpired}}
	default:
		// A refund for a payment that never confirmed has no legal edge.
		return decision{reason: payment.ReasonConflict, events: []payment.EventType{payment.EventConflict}, warn: "signal_conflict"}
	}
}

func amountMatches(p payment.Payment, sig payment.Signal) bool {
	if sig.ClaimedCurrency != "" && !strings.EqualFold(sig.ClaimedCurrency, p.Currency) {
		return false
	}
	return WithinTolerance(p.Amount, *sig.ClaimedAmount, p.Tolerance)
}

// WithinTolerance reports whether claimed lies within expected*tolerance of
// expected, in either direction.
func WithinTolerance(expected, claimed, tolerance decimal.Decimal) bool {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	band := expected.Abs().Mul(tolerance)
	return claimed.Sub(expected).Abs().LessThanOrEqual(band)
}

// MarkInitiated records a successful adapter initiate and moves the payment
// to awaiting_confirmation. A payment a signal already moved past created
// keeps its status; only provider fields it lacks are filled in.
func (e *Engine) MarkInitiated(ctx context.Context, paymentID string, res payment.InitiateResult) (payment.Payment, error) {
	var data json.RawMessage
	if payload := res.Data(); payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return payment.Payment{}, fmt.Errorf("reconcile: encode payment data: %w", err)
		}
		data = encoded
	}
	return e.Payments.Mutate(ctx, paymentID, func(p *payment.Payment) error {
		if p.Status != payment.StatusCreated {
			if p.ProviderReference != "" {
				return store.ErrNoChange
			}
			p.ProviderReference = res.ProviderReference
			p.Kind = res.Kind
			p.RedirectURL = res.RedirectURL()
			p.PaymentData = data
			return nil
		}
		p.Status = payment.StatusAwaitingConfirmation
		p.ProviderReference = res.ProviderReference
		p.Kind = res.Kind
		p.RedirectURL = res.RedirectURL()
		p.PaymentData = data
		if res.ExpiresAt != nil {
			at := res.ExpiresAt.UTC()
			p.ExpiresAt = &at
		}
		if res.Tolerance != nil {
			p.Tolerance = *res.Tolerance
		}
		return nil
	})
}

// MarkInitiateFailed moves a payment whose initiate failed to failed. The
// record stays for manual reconciliation.
func (e *Engine) MarkInitiateFailed(ctx context.Context, paymentID string, cause error) (payment.Payment, error) {
	updated, err := e.Payments.Mutate(ctx, paymentID, func(p *payment.Payment) error {
		if p.Status != payment.StatusCreated {
			return store.ErrNoChange
		}
		p.Status = payment.StatusFailed
		p.FailureReason = payment.ReasonInitiateFailed
		return nil
	})
	if err == nil {
		e.Logger.Warn().Str("payment_id", paymentID).Str("code", payment.ErrorCode(cause)).Err(cause).Msg("payment_initiate_failed")
	}
	return updated, err
}

// Sweep expires awaiting payments whose expiry has passed. Each candidate is
// re-checked under its row lock, so payments confirmed after listing are
// left alone and re-running the sweep is a no-op.
func (e *Engine) Sweep(ctx context.Context, limit int) (int, error) {
	ctx, span := otel.Tracer("reconcile.Engine").Start(ctx, "Engine.Sweep")
	defer span.End()

	now := e.now()
	candidates, err := e.Payments.ListExpired(ctx, now, limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	expired := 0
	var joined error
	for _, c := range candidates {
		var moved bool
		updated, err := e.Payments.Mutate(ctx, c.ID, func(p *payment.Payment) error {
			moved = false
			if p.Status != payment.StatusAwaitingConfirmation || !p.Expired(now) {
				return store.ErrNoChange
			}
			p.Status = payment.StatusExpired
			p.FailureReason = payment.ReasonExpired
			p.Evidence = append(p.Evidence, payment.Evidence{
				Source:        payment.SourceSweep,
				Digest:        payment.Digest([]byte("sweep:" + p.ID)),
				ClaimedStatus: payment.ClaimExpired,
				Verified:      true,
				Outcome:       payment.ReasonExpired,
				ReceivedAt:    now,
			})
			moved = true
			return nil
		})
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("sweep %s: %w", c.ID, err))
			continue
		}
		if !moved {
			continue
		}
		expired++
		e.Logger.Info().Str("payment_id", updated.ID).Str("gateway", string(updated.Gateway)).Msg("payment_expired")
		e.publish(ctx, newEvent(updated, payment.EventExpired, payment.ReasonExpired, now))
	}
	obs.CountSweepExpired(expired)
	span.SetAttributes(attribute.Int("sweep.candidates", len(candidates)), attribute.Int("sweep.expired", expired))
	e.Logger.Info().Int("candidates", len(candidates)).Int("expired", expired).Msg("sweep_completed")
	return expired, joined
}

// PollReport summarises one polling pass.
type PollReport struct {
	Checked int
	Applied int
	Failed  int
}

// Poll asks the upstream provider for the status of awaiting payments whose
// gateway can be queried and feeds non-pending answers through Apply.
func (e *Engine) Poll(ctx context.Context, batch int) (PollReport, error) {
	ctx, span := otel.Tracer("reconcile.Engine").Start(ctx, "Engine.Poll")
	defer span.End()

	var report PollReport
	if e.Adapters == nil {
		return report, errors.New("reconcile: adapters not configured")
	}
	awaiting, err := e.Payments.ListAwaiting(ctx, PollableGateways(), batch)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	var joined error
	for _, p := range awaiting {
		if p.ProviderReference == "" {
			continue
		}
		adapter, err := e.Adapters.Lookup(p.Gateway, p.Variant)
		if err != nil {
			continue
		}
		report.Checked++
		st, err := e.checkStatus(ctx, adapter, p.ProviderReference)
		if err != nil {
			report.Failed++
			e.Logger.Warn().Err(err).Str("payment_id", p.ID).Str("gateway", string(p.Gateway)).Msg("poll check status")
			continue
		}
		if st.Status == payment.ClaimPending || !st.Status.Valid() {
			continue
		}
		if st.Status == payment.ClaimSuccess && st.Amount == nil {
			continue
		}
		res, err := e.Apply(ctx, p.ID, PollSignal(p, st, e.now()))
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("poll %s: %w", p.ID, err))
			continue
		}
		if res.Applied {
			report.Applied++
		}
	}
	span.SetAttributes(attribute.Int("poll.checked", report.Checked), attribute.Int("poll.applied", report.Applied))
	return report, joined
}

// PollableGateways lists gateways whose providers answer status queries.
func PollableGateways() []payment.Gateway {
	return []payment.Gateway{payment.GatewayCardWallet, payment.GatewayCountryBank, payment.GatewayCrypto}
}

// PollSignal turns a provider status answer into a poll-sourced signal.
func PollSignal(p payment.Payment, st payment.ProviderStatus, now time.Time) payment.Signal {
	raw := st.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(map[string]any{"reference": p.ProviderReference, "status": st.Status, "amount": st.Amount, "currency": st.Currency})
	}
	ref := st.Reference
	if ref == "" {
		ref = p.ProviderReference
	}
	return payment.Signal{
		Source:           payment.SourcePoll,
		RawPayload:       raw,
		ClaimedStatus:    st.Status,
		ClaimedAmount:    st.Amount,
		ClaimedCurrency:  st.Currency,
		ClaimedReference: ref,
		ClaimedPaymentID: p.ID,
		Verified:         true,
		ReceivedAt:       now,
	}
}

func (e *Engine) checkStatus(ctx context.Context, a gateway.Adapter, reference string) (payment.ProviderStatus, error) {
	timeout := e.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.CheckStatus(ctx, reference)
}

// ManualConfirmation is an operator assertion that a payment arrived.
type ManualConfirmation struct {
	Reference string           `json:"reference"`
	Amount    *decimal.Decimal `json:"amount"`
	Currency  string           `json:"currency"`
	Note      string           `json:"note"`
	Operator  string           `json:"-"`
}

// ConfirmManual applies an operator confirmation. A supplied reference must
// equal the payment's provider reference; an omitted amount means the
// payment's own amount.
func (e *Engine) ConfirmManual(ctx context.Context, paymentID string, in ManualConfirmation) (payment.ApplyResult, error) {
	p, err := e.Payments.GetPayment(ctx, paymentID)
	if err != nil {
		return payment.ApplyResult{PaymentID: paymentID}, err
	}
	ref := strings.TrimSpace(in.Reference)
	if ref != "" && !strings.EqualFold(ref, p.ProviderReference) {
		return payment.ApplyResult{PaymentID: paymentID}, &payment.UnmatchedReferenceError{Gateway: p.Gateway, Reference: ref}
	}
	return e.Apply(ctx, p.ID, e.manualSignal(p, payment.ClaimSuccess, in))
}

// ConfirmByReference confirms the payment opened on g under reference.
func (e *Engine) ConfirmByReference(ctx context.Context, g payment.Gateway, reference string, in ManualConfirmation) (payment.ApplyResult, error) {
	ref := strings.TrimSpace(reference)
	if g == payment.GatewayManualBankTransfer {
		ref = strings.ToUpper(ref)
	}
	p, err := e.Payments.FindByReference(ctx, g, ref)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		e.Logger.Error().Str("gateway", string(g)).Str("reference", ref).Str("operator", in.Operator).Msg("unmatched_reference")
		return payment.ApplyResult{}, &payment.UnmatchedReferenceError{Gateway: g, Reference: ref}
	}
	if err != nil {
		return payment.ApplyResult{}, err
	}
	in.Reference = ""
	return e.Apply(ctx, p.ID, e.manualSignal(p, payment.ClaimSuccess, in))
}

// Refund moves a confirmed payment to refunded.
func (e *Engine) Refund(ctx context.Context, paymentID string, in ManualConfirmation) (payment.ApplyResult, error) {
	p, err := e.Payments.GetPayment(ctx, paymentID)
	if err != nil {
		return payment.ApplyResult{PaymentID: paymentID}, err
	}
	if p.Status != payment.StatusConfirmed && p.Status != payment.StatusRefunded {
		return payment.ApplyResult{PaymentID: paymentID, Status: p.Status}, fmt.Errorf("%w: %s -> %s", payment.ErrInvalidTransition, p.Status, payment.StatusRefunded)
	}
	return e.Apply(ctx, p.ID, e.manualSignal(p, payment.ClaimRefunded, in))
}

func (e *Engine) manualSignal(p payment.Payment, claim payment.ClaimedStatus, in ManualConfirmation) payment.Signal {
	amount := p.Amount
	if in.Amount != nil {
		amount = *in.Amount
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = p.Currency
	}
	now := e.now()
	raw, _ := json.Marshal(map[string]any{
		"paymentId": p.ID,
		"status":    claim,
		"amount":    amount.String(),
		"currency":  currency,
		"operator":  in.Operator,
		"note":      in.Note,
		"at":        now.Format(time.RFC3339Nano),
	})
	return payment.Signal{
		Source:           payment.SourceManual,
		RawPayload:       raw,
		ClaimedStatus:    claim,
		ClaimedAmount:    &amount,
		ClaimedCurrency:  currency,
		ClaimedReference: p.ProviderReference,
		ClaimedPaymentID: p.ID,
		Verified:         true,
		ReceivedAt:       now,
	}
}

func (e *Engine) publish(ctx context.Context, ev payment.Event) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.Logger.Error().Err(err).Str("event_id", ev.ID).Str("type", string(ev.Type)).Str("payment_id", ev.PaymentID).Msg("event_publish_failed")
	}
}

func newEvent(p payment.Payment, t payment.EventType, reason payment.Reason, now time.Time) payment.Event {
	return payment.Event{
		ID:         uuid.NewString(),
		Type:       t,
		OrderID:    p.OrderID,
		PaymentID:  p.ID,
		Gateway:    p.Gateway,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Status:     p.Status,
		Reason:     reason,
		OccurredAt: now,
	}
}

func signalDigest(sig payment.Signal) string {
	if len(sig.RawPayload) > 0 {
		return payment.Digest(sig.RawPayload)
	}
	amount := ""
	if sig.ClaimedAmount != nil {
		amount = sig.ClaimedAmount.String()
	}
	return payment.Digest([]byte(strings.Join([]string{
		string(sig.Source), string(sig.ClaimedStatus), amount, sig.ClaimedCurrency, sig.ClaimedReference, sig.ClaimedPaymentID,
	}, "|")))
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
