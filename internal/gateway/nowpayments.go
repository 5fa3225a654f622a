package gateway

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/payment"
)

const nowPaymentsURL = "https://api.nowpayments.io"

// NOWPayments implements the crypto gateway over the NOWPayments API.
type NOWPayments struct {
	cfg             CryptoConfig
	baseURL         string
	call            caller
	now             func() time.Time
	logger          zerolog.Logger
	allowUnverified bool
}

// NewNOWPayments builds the adapter.
func NewNOWPayments(cfg CryptoConfig, deps Deps) *NOWPayments {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = nowPaymentsURL
	}
	return &NOWPayments{
		cfg:             cfg,
		baseURL:         base,
		call:            newCaller(payment.GatewayCrypto, ProcessorNOWPayments, deps),
		now:             deps.now,
		logger:          deps.Logger.With().Str("gateway", string(payment.GatewayCrypto)).Str("processor", ProcessorNOWPayments).Logger(),
		allowUnverified: deps.AllowUnverified,
	}
}

func (n *NOWPayments) Gateway() payment.Gateway { return payment.GatewayCrypto }
func (n *NOWPayments) Variant() string          { return ProcessorNOWPayments }

type nowPayment struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	PayAddress    string      `json:"pay_address"`
	PayAmount     json.Number `json:"pay_amount"`
	ActuallyPaid  json.Number `json:"actually_paid"`
	PayCurrency   string      `json:"pay_currency"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	OrderID       string      `json:"order_id"`
	ExpiresAt     string      `json:"expiration_estimate_date"`
}

func (n *NOWPayments) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", n.cfg.APIKey)
	return h
}

// Initiate creates a payment and returns the deposit address.
func (n *NOWPayments) Initiate(ctx context.Context, paymentID string, req payment.PaymentRequest) (payment.InitiateResult, error) {
	body := map[string]any{
		"price_amount":      json.Number(req.Amount.String()),
		"price_currency":    lower(req.Currency),
		"pay_currency":      lower(req.GatewayVariant),
		"order_id":          paymentID,
		"order_description": req.Description,
	}
	if cb := n.cfg.callback(req); cb != "" {
		body["ipn_callback_url"] = cb
	}
	var out nowPayment
	_, err := n.call.do(ctx, call{
		Op:       "create_payment",
		Method:   http.MethodPost,
		URL:      n.baseURL + "/v1/payment",
		Header:   n.header(),
		JSON:     body,
		Attempts: 1,
	}, &out)
	if err != nil {
		return payment.InitiateResult{}, err
	}
	if out.PaymentID == "" || out.PayAddress == "" {
		return payment.InitiateResult{}, &payment.GatewayError{
			Gateway:    payment.GatewayCrypto,
			Code:       "MALFORMED_RESPONSE",
			Message:    "nowpayments response carried no address",
			HTTPStatus: http.StatusBadGateway,
		}
	}
	return payment.InitiateResult{
		Kind:              payment.KindAddress,
		ProviderReference: out.PaymentID.String(),
		Address: &payment.AddressData{
			PayAddress:  out.PayAddress,
			PayAmount:   numberDecimal(out.PayAmount.String()),
			PayCurrency: upper(out.PayCurrency),
		},
		ExpiresAt: n.cfg.expiry(n.now(), out.ExpiresAt),
		Tolerance: n.cfg.tolerance(),
	}, nil
}

// CheckStatus reads the payment and converts what was actually paid into
// the price currency.
func (n *NOWPayments) CheckStatus(ctx context.Context, providerReference string) (payment.ProviderStatus, error) {
	var out nowPayment
	raw, err := n.call.do(ctx, call{
		Op:       "get_payment",
		Method:   http.MethodGet,
		URL:      n.baseURL + "/v1/payment/" + url.PathEscape(providerReference),
		Header:   n.header(),
		Attempts: 3,
	}, &out)
	if err != nil {
		return payment.ProviderStatus{}, err
	}
	st := nowPaymentStatus(out)
	st.Raw = raw
	if st.Reference == "" {
		st.Reference = providerReference
	}
	return st, nil
}

func nowPaymentStatus(p nowPayment) payment.ProviderStatus {
	st := payment.ProviderStatus{
		Reference: p.PaymentID.String(),
		Status:    payment.ClaimPending,
		Currency:  upper(p.PriceCurrency),
	}
	switch p.PaymentStatus {
	case "finished", "partially_paid":
		st.Status = payment.ClaimSuccess
		fiat := fiatEquivalent(numberDecimal(p.ActuallyPaid.String()), numberDecimal(p.PayAmount.String()), numberDecimal(p.PriceAmount.String()))
		st.Amount = &fiat
	case "failed":
		st.Status = payment.ClaimFailed
	case "expired":
		st.Status = payment.ClaimExpired
	case "refunded":
		st.Status = payment.ClaimRefunded
	}
	return st
}

// TestConnection checks the API status endpoint with the configured key.
func (n *NOWPayments) TestConnection(ctx context.Context) bool {
	if n.cfg.APIKey == "" {
		return false
	}
	var out struct {
		Message string `json:"message"`
	}
	_, err := n.call.do(ctx, call{
		Op:       "status",
		Method:   http.MethodGet,
		URL:      n.baseURL + "/v1/status",
		Header:   n.header(),
		Attempts: 1,
	}, &out)
	return err == nil && strings.EqualFold(out.Message, "ok")
}

// NOWPaymentsSignature computes x-nowpayments-sig for an IPN body.
func NOWPaymentsSignature(secret string, body []byte) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	return signHex(sha512.New, secret, canonical), nil
}

// ParseWebhook verifies an IPN callback and maps it onto a signal.
func (n *NOWPayments) ParseWebhook(_ context.Context, r *http.Request, body []byte) (payment.Signal, error) {
	var ipn nowPayment
	if err := json.Unmarshal(body, &ipn); err != nil {
		return payment.Signal{}, fmt.Errorf("%w: unreadable nowpayments ipn", payment.ErrMalformedSignal)
	}
	verified := true
	if n.cfg.Secret == "" {
		if !n.allowUnverified {
			return payment.Signal{}, payment.ErrUnverifiedWebhook
		}
		n.logger.Warn().Str("event", "webhook_unverified").Msg("nowpayments ipn secret not configured; accepting unverified callback")
		verified = false
	} else {
		expected, err := NOWPaymentsSignature(n.cfg.Secret, body)
		if err != nil || !validSignature(expected, r.Header.Get("x-nowpayments-sig")) {
			return payment.Signal{}, payment.ErrSignatureInvalid
		}
	}
	if ipn.PaymentID == "" {
		return payment.Signal{}, fmt.Errorf("%w: ipn without payment_id", payment.ErrMalformedSignal)
	}
	st := nowPaymentStatus(ipn)
	return payment.Signal{
		Source:           payment.SourceWebhook,
		RawPayload:       body,
		ClaimedStatus:    st.Status,
		ClaimedAmount:    st.Amount,
		ClaimedCurrency:  st.Currency,
		ClaimedReference: ipn.PaymentID.String(),
		ClaimedPaymentID: ipn.OrderID,
		Verified:         verified,
		ReceivedAt:       n.now(),
	}, nil
}
