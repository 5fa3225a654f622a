package gateway

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/payment"
)

const plisioURL = "https://api.plisio.net"

// Plisio implements the crypto gateway over Plisio invoices. Its API key
// doubles as the callback verification secret.
type Plisio struct {
	cfg             CryptoConfig
	baseURL         string
	call            caller
	now             func() time.Time
	logger          zerolog.Logger
	allowUnverified bool
}

// NewPlisio builds the adapter.
func NewPlisio(cfg CryptoConfig, deps Deps) *Plisio {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = plisioURL
	}
	if cfg.Secret == "" {
		cfg.Secret = cfg.APIKey
	}
	return &Plisio{
		cfg:             cfg,
		baseURL:         base,
		call:            newCaller(payment.GatewayCrypto, ProcessorPlisio, deps),
		now:             deps.now,
		logger:          deps.Logger.With().Str("gateway", string(payment.GatewayCrypto)).Str("processor", ProcessorPlisio).Logger(),
		allowUnverified: deps.AllowUnverified,
	}
}

func (p *Plisio) Gateway() payment.Gateway { return payment.GatewayCrypto }
func (p *Plisio) Variant() string          { return ProcessorPlisio }

// plisioEnvelope wraps every Plisio response; errors arrive with HTTP 200
// and status "error".
type plisioEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type plisioInvoice struct {
	TxnID          string     `json:"txn_id"`
	InvoiceURL     string     `json:"invoice_url"`
	Amount         flexNumber `json:"amount"`
	WalletHash     string     `json:"wallet_hash"`
	Currency       string     `json:"currency"`
	QRCode         string     `json:"qr_code"`
	ExpireUTC      flexNumber `json:"expire_utc"`
	Status         string     `json:"status"`
	OrderNumber    string     `json:"order_number"`
	SourceAmount   flexNumber `json:"source_amount"`
	SourceCurrency string     `json:"source_currency"`
}

func (p *Plisio) get(ctx context.Context, op, path string, params url.Values, attempts int, out any) ([]byte, error) {
	params.Set("api_key", p.cfg.APIKey)
	raw, err := p.call.do(ctx, call{
		Op:       op,
		Method:   http.MethodGet,
		URL:      p.baseURL + path + "?" + params.Encode(),
		Attempts: attempts,
	}, nil)
	if err != nil {
		return raw, err
	}
	var env plisioEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw, &payment.GatewayError{Gateway: payment.GatewayCrypto, Code: "MALFORMED_RESPONSE", Message: "plisio returned an unreadable response", HTTPStatus: http.StatusBadGateway, Err: err}
	}
	if env.Status != "success" {
		var detail struct {
			Name    string     `json:"name"`
			Message string     `json:"message"`
			Code    flexNumber `json:"code"`
		}
		_ = json.Unmarshal(env.Data, &detail)
		status := http.StatusBadRequest
		if c, err := strconv.Atoi(detail.Code.String()); err == nil && c >= 400 && c < 600 {
			status = c
		}
		return raw, payment.NewGatewayError(payment.GatewayCrypto, status, upper(detail.Name), detail.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return raw, &payment.GatewayError{Gateway: payment.GatewayCrypto, Code: "MALFORMED_RESPONSE", Message: "plisio returned an unreadable response", HTTPStatus: http.StatusBadGateway, Err: err}
		}
	}
	return raw, nil
}

// Initiate creates an invoice priced in the request's fiat currency.
func (p *Plisio) Initiate(ctx context.Context, paymentID string, req payment.PaymentRequest) (payment.InitiateResult, error) {
	params := url.Values{}
	params.Set("source_currency", req.Currency)
	params.Set("source_amount", req.Amount.String())
	params.Set("order_number", paymentID)
	params.Set("currency", upper(req.GatewayVariant))
	params.Set("email", req.CustomerEmail)
	name := req.Description
	if name == "" {
		name = "Order " + req.OrderID
	}
	params.Set("order_name", name)
	if cb := p.cfg.callback(req); cb != "" {
		params.Set("callback_url", withJSONFlag(cb))
	}
	params.Set("success_callback_url", req.SuccessURL)
	params.Set("fail_callback_url", req.CancelURL)

	var inv plisioInvoice
	if _, err := p.get(ctx, "create_invoice", "/api/v1/invoices/new", params, 1, &inv); err != nil {
		return payment.InitiateResult{}, err
	}
	if inv.TxnID == "" {
		return payment.InitiateResult{}, &payment.GatewayError{
			Gateway:    payment.GatewayCrypto,
			Code:       "MALFORMED_RESPONSE",
			Message:    "plisio response carried no transaction id",
			HTTPStatus: http.StatusBadGateway,
		}
	}
	var expires *time.Time
	if secs, err := strconv.ParseInt(inv.ExpireUTC.String(), 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		expires = &t
	} else {
		expires = p.cfg.expiry(p.now(), "")
	}
	return payment.InitiateResult{
		Kind:              payment.KindAddress,
		ProviderReference: inv.TxnID,
		Address: &payment.AddressData{
			PayAddress:  inv.WalletHash,
			PayAmount:   numberDecimal(inv.Amount.String()),
			PayCurrency: upper(firstNonEmpty(inv.Currency, req.GatewayVariant)),
			QRCodeURL:   inv.QRCode,
			HostedURL:   inv.InvoiceURL,
		},
		ExpiresAt: expires,
		Tolerance: p.cfg.tolerance(),
	}, nil
}

func withJSONFlag(callback string) string {
	if strings.Contains(callback, "json=true") {
		return callback
	}
	if strings.Contains(callback, "?") {
		return callback + "&json=true"
	}
	return callback + "?json=true"
}

// CheckStatus reads the operation behind a transaction id.
func (p *Plisio) CheckStatus(ctx context.Context, providerReference string) (payment.ProviderStatus, error) {
	var inv plisioInvoice
	raw, err := p.get(ctx, "get_operation", "/api/v1/operations/"+url.PathEscape(providerReference), url.Values{}, 3, &inv)
	if err != nil {
		return payment.ProviderStatus{}, err
	}
	st := plisioStatus(inv)
	st.Raw = raw
	st.Reference = providerReference
	return st, nil
}

func plisioStatus(inv plisioInvoice) payment.ProviderStatus {
	st := payment.ProviderStatus{Reference: inv.TxnID, Status: payment.ClaimPending, Currency: upper(inv.SourceCurrency)}
	switch inv.Status {
	case "completed", "mismatch":
		st.Status = payment.ClaimSuccess
		amount := numberDecimal(inv.SourceAmount.String())
		st.Amount = &amount
	case "expired":
		st.Status = payment.ClaimExpired
	case "error", "cancelled", "cancelled duplicate":
		st.Status = payment.ClaimFailed
	}
	return st
}

// TestConnection reads the account's BTC balance.
func (p *Plisio) TestConnection(ctx context.Context) bool {
	if p.cfg.APIKey == "" {
		return false
	}
	_, err := p.get(ctx, "balance", "/api/v1/balances/BTC", url.Values{}, 1, nil)
	return err == nil
}

// PlisioVerifyHash computes verify_hash for a JSON callback body.
func PlisioVerifyHash(secret string, body []byte) (string, error) {
	canonical, err := canonicalJSON(body, "verify_hash")
	if err != nil {
		return "", err
	}
	return signHex(sha1.New, secret, canonical), nil
}

// ParseWebhook verifies verify_hash and maps the invoice status.
func (p *Plisio) ParseWebhook(_ context.Context, _ *http.Request, body []byte) (payment.Signal, error) {
	var cb struct {
		plisioInvoice
		VerifyHash string `json:"verify_hash"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return payment.Signal{}, fmt.Errorf("%w: unreadable plisio callback", payment.ErrMalformedSignal)
	}
	verified := true
	if p.cfg.Secret == "" {
		if !p.allowUnverified {
			return payment.Signal{}, payment.ErrUnverifiedWebhook
		}
		p.logger.Warn().Str("event", "webhook_unverified").Msg("plisio secret not configured; accepting unverified callback")
		verified = false
	} else {
		expected, err := PlisioVerifyHash(p.cfg.Secret, body)
		if err != nil || !validSignature(expected, cb.VerifyHash) {
			return payment.Signal{}, payment.ErrSignatureInvalid
		}
	}
	if cb.TxnID == "" {
		return payment.Signal{}, fmt.Errorf("%w: callback without txn_id", payment.ErrMalformedSignal)
	}
	st := plisioStatus(cb.plisioInvoice)
	return payment.Signal{
		Source:           payment.SourceWebhook,
		RawPayload:       body,
		ClaimedStatus:    st.Status,
		ClaimedAmount:    st.Amount,
		ClaimedCurrency:  st.Currency,
		ClaimedReference: cb.TxnID,
		ClaimedPaymentID: cb.OrderNumber,
		Verified:         verified,
		ReceivedAt:       p.now(),
	}, nil
}
