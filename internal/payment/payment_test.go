package payment_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/payment"
)

func validRequest() payment.PaymentRequest {
	return payment.PaymentRequest{
		Gateway:       payment.GatewayCardWallet,
		OrderID:       "INV-1001",
		Amount:        decimal.RequireFromString("49.90"),
		Currency:      "usd",
		Description:   "VPS plan",
		CustomerEmail: "ops@example.com",
		SuccessURL:    "https://billing.example.com/ok",
		CancelURL:     "https://billing.example.com/cancel",
	}
}

func TestRequestValidation(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*payment.PaymentRequest)
		field string
	}{
		{name: "valid", edit: func(*payment.PaymentRequest) {}},
		{name: "unknown gateway", edit: func(r *payment.PaymentRequest) { r.Gateway = "wire" }, field: "gateway"},
		{name: "zero amount", edit: func(r *payment.PaymentRequest) { r.Amount = decimal.Zero }, field: "amount"},
		{name: "negative amount", edit: func(r *payment.PaymentRequest) { r.Amount = decimal.NewFromInt(-3) }, field: "amount"},
		{name: "bad currency", edit: func(r *payment.PaymentRequest) { r.Currency = "XXQ" }, field: "currency"},
		{name: "missing email", edit: func(r *payment.PaymentRequest) { r.CustomerEmail = "" }, field: "customerEmail"},
		{name: "bad success url", edit: func(r *payment.PaymentRequest) { r.SuccessURL = "not a url" }, field: "successUrl"},
		{name: "country bank without variant", edit: func(r *payment.PaymentRequest) { r.Gateway = payment.GatewayCountryBank }, field: "gatewayVariant"},
		{name: "country bank long variant", edit: func(r *payment.PaymentRequest) {
			r.Gateway = payment.GatewayCountryBank
			r.GatewayVariant = "ARG"
		}, field: "gatewayVariant"},
		{name: "crypto without variant", edit: func(r *payment.PaymentRequest) { r.Gateway = payment.GatewayCrypto }, field: "gatewayVariant"},
		{name: "manual bad region", edit: func(r *payment.PaymentRequest) {
			r.Gateway = payment.GatewayManualBankTransfer
			r.GatewayVariant = "asia"
		}, field: "bankRegion"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.edit(&req)
			req.Normalise()
			err := req.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			var vErr *payment.ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, tc.field, vErr.Field)
		})
	}
}

func TestNormaliseCanonicalisesVariants(t *testing.T) {
	req := validRequest()
	req.Gateway = " Country_Bank "
	req.GatewayVariant = " ar "
	req.Normalise()
	require.Equal(t, payment.GatewayCountryBank, req.Gateway)
	require.Equal(t, "AR", req.GatewayVariant)
	require.Equal(t, "USD", req.Currency)

	req = validRequest()
	req.Gateway = payment.GatewayCrypto
	req.GatewayVariant = "BTC"
	req.Normalise()
	require.Equal(t, "btc", req.GatewayVariant)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, payment.StatusCreated.CanTransition(payment.StatusConfirmed))
	require.True(t, payment.StatusAwaitingConfirmation.CanTransition(payment.StatusExpired))
	require.True(t, payment.StatusConfirmed.CanTransition(payment.StatusRefunded))
	require.False(t, payment.StatusConfirmed.CanTransition(payment.StatusFailed))
	require.False(t, payment.StatusFailed.CanTransition(payment.StatusConfirmed))
	require.False(t, payment.StatusExpired.CanTransition(payment.StatusConfirmed))
	require.False(t, payment.StatusAwaitingConfirmation.CanTransition(payment.StatusCreated))
	for _, s := range []payment.Status{payment.StatusConfirmed, payment.StatusFailed, payment.StatusExpired, payment.StatusRefunded} {
		require.True(t, s.IsTerminal(), s)
	}
}

func TestGatewayDefaults(t *testing.T) {
	require.True(t, payment.GatewayCrypto.AmountTolerance().Equal(decimal.RequireFromString("0.05")))
	require.True(t, payment.GatewayCardWallet.AmountTolerance().IsZero())
	require.True(t, payment.GatewayManualBankTransfer.Expires())
	require.False(t, payment.GatewayCountryBank.Expires())
	require.Equal(t, "MX", payment.NormaliseVariant(payment.GatewayCountryBank, "mx"))
	require.Equal(t, "", payment.NormaliseVariant(payment.GatewayCardWallet, "anything"))
}

func TestErrorCodesAndStatuses(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{&payment.ValidationError{Field: "amount"}, "VALIDATION_ERROR", http.StatusBadRequest},
		{&payment.NotConfiguredError{Gateway: payment.GatewayCountryBank, Variant: "ZZ"}, "NOT_CONFIGURED", http.StatusUnprocessableEntity},
		{payment.NewGatewayError(payment.GatewayCardWallet, 503, "", "down"), "GATEWAY_ERROR", http.StatusServiceUnavailable},
		{payment.NewGatewayError(payment.GatewayCardWallet, 400, "INVALID_REQUEST", "bad"), "GATEWAY_ERROR", http.StatusBadGateway},
		{fmt.Errorf("wrap: %w", payment.ErrPaymentNotFound), "PAYMENT_NOT_FOUND", http.StatusNotFound},
		{payment.ErrSignatureInvalid, "INVALID_SIGNATURE", http.StatusUnauthorized},
		{&payment.UnmatchedReferenceError{Gateway: payment.GatewayManualBankTransfer, Reference: "HP-X"}, "UNMATCHED_REFERENCE", http.StatusNotFound},
		{errors.New("boom"), "INTERNAL", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, payment.ErrorCode(tc.err), tc.err.Error())
		require.Equal(t, tc.status, payment.HTTPStatus(tc.err), tc.err.Error())
	}
	require.True(t, payment.Retryable(payment.NewGatewayError(payment.GatewayCrypto, 502, "", "")))
	require.True(t, payment.Retryable(payment.NewGatewayError(payment.GatewayCrypto, 429, "", "")))
	require.False(t, payment.Retryable(payment.NewGatewayError(payment.GatewayCrypto, 401, "", "")))
}

func TestNotConfiguredMessageNamesRegion(t *testing.T) {
	err := &payment.NotConfiguredError{Gateway: payment.GatewayCountryBank, Variant: "ZZ"}
	require.Contains(t, err.Error(), "ZZ")
}

func TestParseRegion(t *testing.T) {
	r, err := payment.ParseRegion("")
	require.NoError(t, err)
	require.Equal(t, payment.RegionOther, r)
	r, err = payment.ParseRegion(" Mexico ")
	require.NoError(t, err)
	require.Equal(t, payment.RegionMexico, r)
	_, err = payment.ParseRegion("mars")
	require.Error(t, err)
}

func TestDigestStable(t *testing.T) {
	a := payment.Digest([]byte(`{"id":"1"}`))
	require.Equal(t, a, payment.Digest([]byte(`{"id":"1"}`)))
	require.NotEqual(t, a, payment.Digest([]byte(`{"id":"2"}`)))
	p := payment.Payment{Evidence: []payment.Evidence{{Digest: a}}}
	require.True(t, p.HasEvidence(a))
}
