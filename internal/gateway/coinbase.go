package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/hostpay/internal/payment"
)

const (
	coinbaseURL     = "https://api.commerce.coinbase.com"
	coinbaseVersion = "2018-03-22"
)

// coinbaseNetworks maps pay currencies onto Commerce address keys.
var coinbaseNetworks = map[string]string{
	"btc":  "bitcoin",
	"eth":  "ethereum",
	"ltc":  "litecoin",
	"bch":  "bitcoincash",
	"doge": "dogecoin",
	"usdc": "usdc",
	"usdt": "tether",
	"dai":  "dai",
}

// Coinbase implements the crypto gateway over Coinbase Commerce charges.
type Coinbase struct {
	cfg             CryptoConfig
	baseURL         string
	call            caller
	now             func() time.Time
	logger          zerolog.Logger
	allowUnverified bool
}

// NewCoinbase builds the adapter.
func NewCoinbase(cfg CryptoConfig, deps Deps) *Coinbase {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = coinbaseURL
	}
	return &Coinbase{
		cfg:             cfg,
		baseURL:         base,
		call:            newCaller(payment.GatewayCrypto, ProcessorCoinbase, deps),
		now:             deps.now,
		logger:          deps.Logger.With().Str("gateway", string(payment.GatewayCrypto)).Str("processor", ProcessorCoinbase).Logger(),
		allowUnverified: deps.AllowUnverified,
	}
}

func (c *Coinbase) Gateway() payment.Gateway { return payment.GatewayCrypto }
func (c *Coinbase) Variant() string          { return ProcessorCoinbase }

type coinbaseMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type coinbaseCharge struct {
	ID        string                   `json:"id"`
	Code      string                   `json:"code"`
	HostedURL string                   `json:"hosted_url"`
	ExpiresAt string                   `json:"expires_at"`
	Addresses map[string]string        `json:"addresses"`
	Pricing   map[string]coinbaseMoney `json:"pricing"`
	Metadata  struct {
		PaymentID string `json:"payment_id"`
		OrderID   string `json:"order_id"`
	} `json:"metadata"`
	Timeline []struct {
		Status  string `json:"status"`
		Context string `json:"context"`
	} `json:"timeline"`
	Payments []struct {
		Status string `json:"status"`
		Value  struct {
			Local  coinbaseMoney `json:"local"`
			Crypto coinbaseMoney `json:"crypto"`
		} `json:"value"`
	} `json:"payments"`
}

func (c *Coinbase) header() http.Header {
	h := http.Header{}
	h.Set("X-CC-Api-Key", c.cfg.APIKey)
	h.Set("X-CC-Version", coinbaseVersion)
	return h
}

// Initiate creates a fixed-price charge.
func (c *Coinbase) Initiate(ctx context.Context, paymentID string, req payment.PaymentRequest) (payment.InitiateResult, error) {
	name := req.Description
	if name == "" {
		name = "Order " + req.OrderID
	}
	var out struct {
		Data coinbaseCharge `json:"data"`
	}
	_, err := c.call.do(ctx, call{
		Op:     "create_charge",
		Method: http.MethodPost,
		URL:    c.baseURL + "/charges",
		Header: c.header(),
		JSON: map[string]any{
			"name":         name,
			"description":  req.Description,
			"pricing_type": "fixed_price",
			"local_price":  coinbaseMoney{Amount: formatAmount(req.Amount, req.Currency), Currency: req.Currency},
			"metadata":     map[string]string{"payment_id": paymentID, "order_id": req.OrderID},
			"redirect_url": req.SuccessURL,
			"cancel_url":   req.CancelURL,
		},
		Attempts: 1,
	}, &out)
	if err != nil {
		return payment.InitiateResult{}, err
	}
	charge := out.Data
	if charge.Code == "" {
		return payment.InitiateResult{}, &payment.GatewayError{
			Gateway:    payment.GatewayCrypto,
			Code:       "MALFORMED_RESPONSE",
			Message:    "coinbase response carried no charge code",
			HTTPStatus: http.StatusBadGateway,
		}
	}
	network := coinbaseNetworks[lower(req.GatewayVariant)]
	if network == "" {
		network = lower(req.GatewayVariant)
	}
	addr := &payment.AddressData{
		PayAddress:  charge.Addresses[network],
		PayCurrency: upper(req.GatewayVariant),
		HostedURL:   charge.HostedURL,
	}
	if price, ok := charge.Pricing[network]; ok {
		if d, err := parseAmount(price.Amount); err == nil && d != nil {
			addr.PayAmount = *d
		}
	}
	return payment.InitiateResult{
		Kind:              payment.KindAddress,
		ProviderReference: charge.Code,
		Address:           addr,
		ExpiresAt:         c.cfg.expiry(c.now(), charge.ExpiresAt),
		Tolerance:         c.cfg.tolerance(),
	}, nil
}

// CheckStatus reads the charge timeline.
func (c *Coinbase) CheckStatus(ctx context.Context, providerReference string) (payment.ProviderStatus, error) {
	var out struct {
		Data coinbaseCharge `json:"data"`
	}
	raw, err := c.call.do(ctx, call{
		Op:       "get_charge",
		Method:   http.MethodGet,
		URL:      c.baseURL + "/charges/" + url.PathEscape(providerReference),
		Header:   c.header(),
		Attempts: 3,
	}, &out)
	if err != nil {
		return payment.ProviderStatus{}, err
	}
	st := coinbaseStatus(out.Data, "")
	st.Raw = raw
	if st.Reference == "" {
		st.Reference = providerReference
	}
	return st, nil
}

// coinbaseStatus maps a charge onto a claim. eventType, when set, takes
// precedence over the timeline.
func coinbaseStatus(charge coinbaseCharge, eventType string) payment.ProviderStatus {
	st := payment.ProviderStatus{Reference: charge.Code, Status: payment.ClaimPending}
	status := ""
	if n := len(charge.Timeline); n > 0 {
		status = charge.Timeline[n-1].Status
	}
	switch eventType {
	case "charge:confirmed", "charge:resolved":
		status = "COMPLETED"
	case "charge:failed":
		status = "EXPIRED"
	}
	switch status {
	case "COMPLETED", "RESOLVED":
		st.Status = payment.ClaimSuccess
	case "EXPIRED":
		st.Status = payment.ClaimExpired
		if eventType == "charge:failed" {
			st.Status = payment.ClaimFailed
		}
	case "CANCELED":
		st.Status = payment.ClaimFailed
	}
	if st.Status != payment.ClaimSuccess {
		return st
	}
	total := decimal.Zero
	currency := ""
	for _, p := range charge.Payments {
		if p.Status != "" && !strings.EqualFold(p.Status, "CONFIRMED") {
			continue
		}
		if d, err := parseAmount(p.Value.Local.Amount); err == nil && d != nil {
			total = total.Add(*d)
			currency = p.Value.Local.Currency
		}
	}
	if currency == "" {
		if local, ok := charge.Pricing["local"]; ok {
			if d, err := parseAmount(local.Amount); err == nil && d != nil {
				total = *d
				currency = local.Currency
			}
		}
	}
	if currency != "" {
		st.Amount = &total
		st.Currency = upper(currency)
	}
	return st
}

// TestConnection lists a single charge.
func (c *Coinbase) TestConnection(ctx context.Context) bool {
	if c.cfg.APIKey == "" {
		return false
	}
	_, err := c.call.do(ctx, call{
		Op:       "list_charges",
		Method:   http.MethodGet,
		URL:      c.baseURL + "/charges?limit=1",
		Header:   c.header(),
		Attempts: 1,
	}, nil)
	return err == nil
}

// CoinbaseSignature computes X-CC-Webhook-Signature for a body.
func CoinbaseSignature(secret string, body []byte) string {
	return signHex(sha256.New, secret, body)
}

// ParseWebhook verifies the shared-secret signature and maps charge events.
func (c *Coinbase) ParseWebhook(_ context.Context, r *http.Request, body []byte) (payment.Signal, error) {
	verified := true
	if c.cfg.Secret == "" {
		if !c.allowUnverified {
			return payment.Signal{}, payment.ErrUnverifiedWebhook
		}
		c.logger.Warn().Str("event", "webhook_unverified").Msg("coinbase webhook secret not configured; accepting unverified event")
		verified = false
	} else if !validSignature(CoinbaseSignature(c.cfg.Secret, body), r.Header.Get("X-CC-Webhook-Signature")) {
		return payment.Signal{}, payment.ErrSignatureInvalid
	}

	var envelope struct {
		Event struct {
			ID   string         `json:"id"`
			Type string         `json:"type"`
			Data coinbaseCharge `json:"data"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return payment.Signal{}, fmt.Errorf("%w: unreadable coinbase event", payment.ErrMalformedSignal)
	}
	switch envelope.Event.Type {
	case "charge:confirmed", "charge:resolved", "charge:failed", "charge:pending":
	default:
		return payment.Signal{}, payment.ErrIgnoredEvent
	}
	charge := envelope.Event.Data
	if charge.Code == "" && charge.Metadata.PaymentID == "" {
		return payment.Signal{}, fmt.Errorf("%w: coinbase event without charge code", payment.ErrMalformedSignal)
	}
	st := coinbaseStatus(charge, envelope.Event.Type)
	return payment.Signal{
		Source:           payment.SourceWebhook,
		RawPayload:       body,
		ClaimedStatus:    st.Status,
		ClaimedAmount:    st.Amount,
		ClaimedCurrency:  st.Currency,
		ClaimedReference: charge.Code,
		ClaimedPaymentID: charge.Metadata.PaymentID,
		Verified:         verified,
		ReceivedAt:       c.now(),
	}, nil
}
