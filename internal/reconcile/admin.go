package reconcile

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/common"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/store"
)

// Admin exposes operator endpoints for manual reconciliation.
type Admin struct {
	Engine   *Engine
	Accounts store.BankAccounts
	Logger   zerolog.Logger
}

// Confirm handles POST /api/v1/admin/payments/{id}/confirm.
func (h Admin) Confirm(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeConfirmation(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.ConfirmManual(r.Context(), chi.URLParam(r, "id"), in)
	h.writeResult(w, res, err)
}

// Refund handles POST /api/v1/admin/payments/{id}/refund.
func (h Admin) Refund(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeConfirmation(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Refund(r.Context(), chi.URLParam(r, "id"), in)
	h.writeResult(w, res, err)
}

// ConfirmBankTransfer handles POST /api/v1/admin/bank-transfers/{reference}/confirm,
// the path operators use when they only hold the transfer reference code.
func (h Admin) ConfirmBankTransfer(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeConfirmation(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.ConfirmByReference(r.Context(), payment.GatewayManualBankTransfer, chi.URLParam(r, "reference"), in)
	h.writeResult(w, res, err)
}

// ListBankAccounts handles GET /api/v1/admin/bank-accounts. ?active=true
// restricts the list to accounts offered to buyers.
func (h Admin) ListBankAccounts(w http.ResponseWriter, r *http.Request) {
	if h.Accounts == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "bank accounts not available", nil)
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	accounts, err := h.Accounts.ListBankAccounts(r.Context(), activeOnly)
	if err != nil {
		h.Logger.Error().Err(err).Msg("list bank accounts")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "list bank accounts", nil)
		return
	}
	if accounts == nil {
		accounts = []payment.BankAccount{}
	}
	common.Data(w, http.StatusOK, accounts)
}

// UpsertBankAccount handles PUT /api/v1/admin/bank-accounts.
func (h Admin) UpsertBankAccount(w http.ResponseWriter, r *http.Request) {
	if h.Accounts == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "bank accounts not available", nil)
		return
	}
	var acct payment.BankAccount
	if err := common.DecodeJSON(w, r, &acct); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	acct.Normalise()
	if err := acct.Validate(); err != nil {
		common.JSONError(w, http.StatusBadRequest, payment.ErrorCode(err), err.Error(), nil)
		return
	}
	saved, err := h.Accounts.UpsertBankAccount(r.Context(), acct)
	if err != nil {
		h.Logger.Error().Err(err).Msg("upsert bank account")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "persist bank account", nil)
		return
	}
	common.Data(w, http.StatusOK, saved)
}

func (h Admin) decodeConfirmation(w http.ResponseWriter, r *http.Request) (ManualConfirmation, bool) {
	var in ManualConfirmation
	if h.Engine == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "reconciliation not available", nil)
		return in, false
	}
	if r.ContentLength != 0 {
		if err := common.DecodeJSON(w, r, &in); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return in, false
		}
	}
	if in.Amount != nil && !in.Amount.IsPositive() {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "amount must be positive", nil)
		return in, false
	}
	if sub, ok := common.Subject(r.Context()); ok {
		in.Operator = sub
	}
	return in, true
}

func (h Admin) writeResult(w http.ResponseWriter, res payment.ApplyResult, err error) {
	if err != nil {
		if errors.Is(err, payment.ErrMalformedSignal) {
			common.JSONError(w, http.StatusBadRequest, payment.ErrorCode(err), err.Error(), nil)
			return
		}
		status := payment.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error().Err(err).Str("payment_id", res.PaymentID).Msg("manual reconciliation failed")
		}
		common.JSONError(w, status, payment.ErrorCode(err), err.Error(), nil)
		return
	}
	switch res.Reason {
	case payment.ReasonAmountMismatch:
		common.JSONError(w, http.StatusConflict, "AMOUNT_MISMATCH", "amount does not match the payment", res)
	case payment.ReasonConflict:
		common.JSONError(w, http.StatusConflict, "SIGNAL_CONFLICT", "payment already settled differently", res)
	default:
		common.Data(w, http.StatusOK, res)
	}
}
