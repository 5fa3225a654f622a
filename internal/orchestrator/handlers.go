package orchestrator

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/hostpay/internal/common"
	"github.com/noah-isme/hostpay/internal/payment"
)

// Handler serves the checkout payment endpoints.
type Handler struct {
	Svc *Service
}

// paymentView is the buyer-facing shape of a payment; evidence and
// customer data stay internal.
type paymentView struct {
	ID            string             `json:"id"`
	OrderID       string             `json:"orderId"`
	Gateway       payment.Gateway    `json:"gateway"`
	Variant       string             `json:"variant,omitempty"`
	Amount        decimal.Decimal    `json:"amount"`
	Currency      string             `json:"currency"`
	Status        payment.Status     `json:"status"`
	FailureReason payment.Reason     `json:"failureReason,omitempty"`
	Kind          payment.ResultKind `json:"kind,omitempty"`
	RedirectURL   string             `json:"redirectUrl,omitempty"`
	PaymentData   any                `json:"paymentData,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	ExpiresAt     *time.Time         `json:"expiresAt,omitempty"`
	ConfirmedAt   *time.Time         `json:"confirmedAt,omitempty"`
}

func viewOf(p payment.Payment) paymentView {
	v := paymentView{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Gateway:       p.Gateway,
		Variant:       p.Variant,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        p.Status,
		FailureReason: p.FailureReason,
		Kind:          p.Kind,
		RedirectURL:   p.RedirectURL,
		CreatedAt:     p.CreatedAt,
		ExpiresAt:     p.ExpiresAt,
		ConfirmedAt:   p.ConfirmedAt,
	}
	if len(p.PaymentData) > 0 {
		v.PaymentData = p.PaymentData
	}
	return v
}

// Create handles POST /api/v1/payments.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	var req payment.PaymentRequest
	if err := common.DecodeJSON(w, r, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	res := h.Svc.CreatePayment(r.Context(), req)
	if !res.Success {
		var details any
		if res.PaymentID != "" {
			details = map[string]any{"paymentId": res.PaymentID}
		}
		var validation *payment.ValidationError
		if errors.As(res.Error, &validation) && validation.Field != "" {
			details = map[string]any{"field": validation.Field}
		}
		common.JSONError(w, payment.HTTPStatus(res.Error), payment.ErrorCode(res.Error), res.Error.Error(), details)
		return
	}
	common.Data(w, http.StatusCreated, res)
}

// Get handles GET /api/v1/payments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	p, err := h.Svc.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, payment.HTTPStatus(err), payment.ErrorCode(err), err.Error(), nil)
		return
	}
	common.Data(w, http.StatusOK, viewOf(p))
}
