package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/hostpay/internal/common"
	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/payment"
)

// CaptureReturn finalises a redirect payment when the buyer comes back from
// the provider: the approval is captured and the answer applied as a poll
// signal. Pending answers leave the payment awaiting its webhook.
func (e *Engine) CaptureReturn(ctx context.Context, g payment.Gateway, reference string) (payment.ApplyResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return payment.ApplyResult{}, &payment.ValidationError{Field: "token", Message: "token is required"}
	}
	p, err := e.Payments.FindByReference(ctx, g, reference)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		return payment.ApplyResult{}, &payment.UnmatchedReferenceError{Gateway: g, Reference: reference}
	}
	if err != nil {
		return payment.ApplyResult{}, err
	}
	if p.Status.IsTerminal() {
		return payment.ApplyResult{PaymentID: p.ID, Reason: payment.ReasonDuplicate, Status: p.Status}, nil
	}
	if e.Adapters == nil {
		return payment.ApplyResult{}, errors.New("reconcile: adapters not configured")
	}
	adapter, err := e.Adapters.Lookup(p.Gateway, p.Variant)
	if err != nil {
		return payment.ApplyResult{}, err
	}
	capturer, ok := adapter.(gateway.Capturer)
	if !ok {
		return payment.ApplyResult{}, &payment.NotConfiguredError{Gateway: p.Gateway, Variant: p.Variant}
	}
	st, err := capturer.Capture(ctx, reference)
	if err != nil {
		return payment.ApplyResult{PaymentID: p.ID, Status: p.Status}, err
	}
	if st.Status == payment.ClaimPending || (st.Status == payment.ClaimSuccess && st.Amount == nil) {
		return payment.ApplyResult{PaymentID: p.ID, Reason: payment.ReasonPending, Status: p.Status}, nil
	}
	return e.Apply(ctx, p.ID, PollSignal(p, st, e.now()))
}

// Return handles GET /api/v1/payments/return/card_wallet?token=<order id>.
type Return struct {
	Engine *Engine
}

func (h Return) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "return handler unavailable", nil)
		return
	}
	res, err := h.Engine.CaptureReturn(r.Context(), payment.GatewayCardWallet, r.URL.Query().Get("token"))
	if err != nil {
		common.JSONError(w, payment.HTTPStatus(err), payment.ErrorCode(err), err.Error(), nil)
		return
	}
	common.Data(w, http.StatusOK, res)
}
