package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/payment"
)

const (
	paypalLiveURL    = "https://api-m.paypal.com"
	paypalSandboxURL = "https://api-m.sandbox.paypal.com"
)

// PayPalConfig holds the card/wallet credentials.
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	Sandbox      bool
	// BaseURL overrides the REST host, mainly for tests.
	BaseURL string
}

// PayPal implements the card/wallet gateway over the PayPal REST API using
// the orders flow, or billing subscriptions when a plan is requested.
type PayPal struct {
	cfg             PayPalConfig
	baseURL         string
	call            caller
	now             func() time.Time
	logger          zerolog.Logger
	allowUnverified bool

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewPayPal builds the adapter.
func NewPayPal(cfg PayPalConfig, deps Deps) *PayPal {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = paypalLiveURL
		if cfg.Sandbox {
			base = paypalSandboxURL
		}
	}
	return &PayPal{
		cfg:             cfg,
		baseURL:         base,
		call:            newCaller(payment.GatewayCardWallet, "", deps),
		now:             deps.now,
		logger:          deps.Logger.With().Str("gateway", string(payment.GatewayCardWallet)).Logger(),
		allowUnverified: deps.AllowUnverified,
	}
}

func (p *PayPal) Gateway() payment.Gateway { return payment.GatewayCardWallet }
func (p *PayPal) Variant() string          { return "" }

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalCapture struct {
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	Amount   paypalAmount `json:"amount"`
	CustomID string       `json:"custom_id"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		CustomID string       `json:"custom_id"`
		Amount   paypalAmount `json:"amount"`
		Payments struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type paypalSubscription struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	CustomID    string       `json:"custom_id"`
	Links       []paypalLink `json:"links"`
	BillingInfo struct {
		LastPayment *struct {
			Amount paypalAmount `json:"amount"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

func approveLink(links []paypalLink) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// Initiate creates a PayPal order, or a subscription when req.PlanID is set,
// and redirects the buyer to the approval page.
func (p *PayPal) Initiate(ctx context.Context, paymentID string, req payment.PaymentRequest) (payment.InitiateResult, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return payment.InitiateResult{}, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("PayPal-Request-Id", paymentID)

	if req.PlanID != "" {
		var sub paypalSubscription
		_, err := p.call.do(ctx, call{
			Op:     "create_subscription",
			Method: http.MethodPost,
			URL:    p.baseURL + "/v1/billing/subscriptions",
			Header: header,
			JSON: map[string]any{
				"plan_id":    req.PlanID,
				"custom_id":  paymentID,
				"subscriber": map[string]any{"email_address": req.CustomerEmail},
				"application_context": map[string]any{
					"return_url":  req.SuccessURL,
					"cancel_url":  req.CancelURL,
					"user_action": "SUBSCRIBE_NOW",
				},
			},
			Attempts: 1,
		}, &sub)
		if err != nil {
			return payment.InitiateResult{}, err
		}
		return p.redirectResult(sub.ID, approveLink(sub.Links))
	}

	unit := map[string]any{
		"reference_id": req.OrderID,
		"custom_id":    paymentID,
		"invoice_id":   req.OrderID,
		"amount": paypalAmount{
			CurrencyCode: req.Currency,
			Value:        formatAmount(req.Amount, req.Currency),
		},
	}
	if req.Description != "" {
		unit["description"] = req.Description
	}
	var order paypalOrder
	_, err = p.call.do(ctx, call{
		Op:     "create_order",
		Method: http.MethodPost,
		URL:    p.baseURL + "/v2/checkout/orders",
		Header: header,
		JSON: map[string]any{
			"intent":         "CAPTURE",
			"purchase_units": []any{unit},
			"application_context": map[string]any{
				"return_url":  req.SuccessURL,
				"cancel_url":  req.CancelURL,
				"user_action": "PAY_NOW",
			},
		},
		Attempts: 1,
	}, &order)
	if err != nil {
		return payment.InitiateResult{}, err
	}
	return p.redirectResult(order.ID, approveLink(order.Links))
}

func (p *PayPal) redirectResult(reference, link string) (payment.InitiateResult, error) {
	if reference == "" || link == "" {
		return payment.InitiateResult{}, &payment.GatewayError{
			Gateway:    payment.GatewayCardWallet,
			Code:       "MALFORMED_RESPONSE",
			Message:    "paypal response carried no approval link",
			HTTPStatus: http.StatusBadGateway,
		}
	}
	return payment.InitiateResult{
		Kind:              payment.KindRedirect,
		ProviderReference: reference,
		Redirect:          &payment.RedirectData{URL: link},
	}, nil
}

// isSubscription reports whether a PayPal id names a billing subscription.
func isSubscription(reference string) bool {
	return strings.HasPrefix(reference, "I-")
}

// CheckStatus reads the order or subscription behind providerReference.
func (p *PayPal) CheckStatus(ctx context.Context, providerReference string) (payment.ProviderStatus, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return payment.ProviderStatus{}, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	if isSubscription(providerReference) {
		var sub paypalSubscription
		raw, err := p.call.do(ctx, call{
			Op:       "get_subscription",
			Method:   http.MethodGet,
			URL:      p.baseURL + "/v1/billing/subscriptions/" + url.PathEscape(providerReference),
			Header:   header,
			Attempts: 3,
		}, &sub)
		if err != nil {
			return payment.ProviderStatus{}, err
		}
		return subscriptionStatus(sub, raw), nil
	}

	var order paypalOrder
	raw, err := p.call.do(ctx, call{
		Op:       "get_order",
		Method:   http.MethodGet,
		URL:      p.baseURL + "/v2/checkout/orders/" + url.PathEscape(providerReference),
		Header:   header,
		Attempts: 3,
	}, &order)
	if err != nil {
		return payment.ProviderStatus{}, err
	}
	return orderStatus(order, raw), nil
}

// Capture captures an approved order. An order that was already captured is
// read back instead.
func (p *PayPal) Capture(ctx context.Context, providerReference string) (payment.ProviderStatus, error) {
	if isSubscription(providerReference) {
		return p.CheckStatus(ctx, providerReference)
	}
	token, err := p.accessToken(ctx)
	if err != nil {
		return payment.ProviderStatus{}, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("PayPal-Request-Id", "capture-"+providerReference)

	var order paypalOrder
	raw, err := p.call.do(ctx, call{
		Op:       "capture_order",
		Method:   http.MethodPost,
		URL:      p.baseURL + "/v2/checkout/orders/" + url.PathEscape(providerReference) + "/capture",
		Header:   header,
		JSON:     map[string]any{},
		Attempts: 1,
	}, &order)
	if err != nil {
		var gerr *payment.GatewayError
		if errors.As(err, &gerr) && gerr.HTTPStatus == http.StatusUnprocessableEntity {
			return p.CheckStatus(ctx, providerReference)
		}
		return payment.ProviderStatus{}, err
	}
	return orderStatus(order, raw), nil
}

func orderStatus(order paypalOrder, raw []byte) payment.ProviderStatus {
	status := payment.ProviderStatus{Reference: order.ID, Status: payment.ClaimPending, Raw: raw}
	if len(order.PurchaseUnits) > 0 {
		unit := order.PurchaseUnits[0]
		amount := unit.Amount
		if caps := unit.Payments.Captures; len(caps) > 0 {
			amount = caps[0].Amount
			switch caps[0].Status {
			case "REFUNDED", "PARTIALLY_REFUNDED":
				status.Status = payment.ClaimRefunded
			case "DECLINED", "FAILED":
				status.Status = payment.ClaimFailed
			}
		}
		if d, err := parseAmount(amount.Value); err == nil {
			status.Amount = d
		}
		status.Currency = amount.CurrencyCode
	}
	if status.Status == payment.ClaimPending {
		switch order.Status {
		case "COMPLETED":
			status.Status = payment.ClaimSuccess
		case "VOIDED":
			status.Status = payment.ClaimFailed
		}
	}
	return status
}

func subscriptionStatus(sub paypalSubscription, raw []byte) payment.ProviderStatus {
	status := payment.ProviderStatus{Reference: sub.ID, Status: payment.ClaimPending, Raw: raw}
	if last := sub.BillingInfo.LastPayment; last != nil {
		if d, err := parseAmount(last.Amount.Value); err == nil {
			status.Amount = d
		}
		status.Currency = last.Amount.CurrencyCode
	}
	switch sub.Status {
	case "ACTIVE":
		// Activation alone does not prove a charge; wait for the first payment.
		if status.Amount != nil {
			status.Status = payment.ClaimSuccess
		}
	case "CANCELLED", "EXPIRED", "SUSPENDED":
		status.Status = payment.ClaimFailed
	}
	return status
}

// TestConnection fetches an OAuth token.
func (p *PayPal) TestConnection(ctx context.Context) bool {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return false
	}
	_, err := p.accessToken(ctx)
	return err == nil
}

func (p *PayPal) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}
	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth(p.cfg.ClientID, p.cfg.ClientSecret))
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	_, err := p.call.do(ctx, call{
		Op:       "oauth_token",
		Method:   http.MethodPost,
		URL:      p.baseURL + "/v1/oauth2/token",
		Header:   header,
		Form:     url.Values{"grant_type": {"client_credentials"}},
		Attempts: 2,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", &payment.GatewayError{
			Gateway:    payment.GatewayCardWallet,
			Code:       "AUTH_FAILED",
			Message:    "paypal returned no access token",
			HTTPStatus: http.StatusBadGateway,
		}
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl > time.Minute {
		ttl -= time.Minute
	}
	p.token = out.AccessToken
	p.tokenExpiry = p.now().Add(ttl)
	return p.token, nil
}

type paypalEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

// ParseWebhook verifies the notification through PayPal's
// verify-webhook-signature API and maps the event onto a signal.
func (p *PayPal) ParseWebhook(ctx context.Context, r *http.Request, body []byte) (payment.Signal, error) {
	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil || event.EventType == "" {
		return payment.Signal{}, fmt.Errorf("%w: unreadable paypal event", payment.ErrMalformedSignal)
	}

	verified, err := p.verify(ctx, r, body)
	if err != nil {
		return payment.Signal{}, err
	}

	sig := payment.Signal{
		Source:     payment.SourceWebhook,
		RawPayload: body,
		Verified:   verified,
		ReceivedAt: p.now(),
	}
	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.CAPTURE.REVERSED":
		var capture struct {
			paypalCapture
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		}
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return payment.Signal{}, fmt.Errorf("%w: capture resource", payment.ErrMalformedSignal)
		}
		sig.ClaimedReference = capture.SupplementaryData.RelatedIDs.OrderID
		sig.ClaimedPaymentID = capture.CustomID
		sig.ClaimedCurrency = capture.Amount.CurrencyCode
		if d, err := parseAmount(capture.Amount.Value); err == nil {
			sig.ClaimedAmount = d
		}
		switch event.EventType {
		case "PAYMENT.CAPTURE.COMPLETED":
			sig.ClaimedStatus = payment.ClaimSuccess
		case "PAYMENT.CAPTURE.DENIED":
			sig.ClaimedStatus = payment.ClaimFailed
		default:
			sig.ClaimedStatus = payment.ClaimRefunded
		}
	case "CHECKOUT.ORDER.COMPLETED", "CHECKOUT.ORDER.APPROVED":
		var order paypalOrder
		if err := json.Unmarshal(event.Resource, &order); err != nil {
			return payment.Signal{}, fmt.Errorf("%w: order resource", payment.ErrMalformedSignal)
		}
		st := orderStatus(order, nil)
		sig.ClaimedReference = order.ID
		sig.ClaimedAmount = st.Amount
		sig.ClaimedCurrency = st.Currency
		sig.ClaimedStatus = payment.ClaimPending
		if event.EventType == "CHECKOUT.ORDER.COMPLETED" {
			sig.ClaimedStatus = payment.ClaimSuccess
		}
		if len(order.PurchaseUnits) > 0 {
			sig.ClaimedPaymentID = order.PurchaseUnits[0].CustomID
		}
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		var sub paypalSubscription
		if err := json.Unmarshal(event.Resource, &sub); err != nil {
			return payment.Signal{}, fmt.Errorf("%w: subscription resource", payment.ErrMalformedSignal)
		}
		st := subscriptionStatus(sub, nil)
		sig.ClaimedReference = sub.ID
		sig.ClaimedPaymentID = sub.CustomID
		sig.ClaimedAmount = st.Amount
		sig.ClaimedCurrency = st.Currency
		sig.ClaimedStatus = st.Status
	case "PAYMENT.SALE.COMPLETED":
		var sale struct {
			BillingAgreementID string `json:"billing_agreement_id"`
			CustomID           string `json:"custom"`
			Amount             struct {
				Total    string `json:"total"`
				Currency string `json:"currency"`
			} `json:"amount"`
		}
		if err := json.Unmarshal(event.Resource, &sale); err != nil || sale.BillingAgreementID == "" {
			return payment.Signal{}, payment.ErrIgnoredEvent
		}
		sig.ClaimedReference = sale.BillingAgreementID
		sig.ClaimedPaymentID = sale.CustomID
		sig.ClaimedCurrency = sale.Amount.Currency
		if d, err := parseAmount(sale.Amount.Total); err == nil {
			sig.ClaimedAmount = d
		}
		sig.ClaimedStatus = payment.ClaimSuccess
	default:
		return payment.Signal{}, payment.ErrIgnoredEvent
	}
	if sig.ClaimedReference == "" && sig.ClaimedPaymentID == "" {
		return payment.Signal{}, fmt.Errorf("%w: paypal event %s has no reference", payment.ErrMalformedSignal, event.ID)
	}
	return sig, nil
}

func (p *PayPal) verify(ctx context.Context, r *http.Request, body []byte) (bool, error) {
	if p.cfg.WebhookID == "" {
		if p.allowUnverified {
			p.logger.Warn().Str("event", "webhook_unverified").Msg("paypal webhook id not configured; accepting unverified event")
			return false, nil
		}
		return false, payment.ErrUnverifiedWebhook
	}
	transmissionID := r.Header.Get("PAYPAL-TRANSMISSION-ID")
	if transmissionID == "" || r.Header.Get("PAYPAL-TRANSMISSION-SIG") == "" {
		return false, payment.ErrSignatureInvalid
	}
	token, err := p.accessToken(ctx)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	_, err = p.call.do(ctx, call{
		Op:     "verify_webhook",
		Method: http.MethodPost,
		URL:    p.baseURL + "/v1/notifications/verify-webhook-signature",
		Header: header,
		JSON: map[string]any{
			"auth_algo":         r.Header.Get("PAYPAL-AUTH-ALGO"),
			"cert_url":          r.Header.Get("PAYPAL-CERT-URL"),
			"transmission_id":   transmissionID,
			"transmission_sig":  r.Header.Get("PAYPAL-TRANSMISSION-SIG"),
			"transmission_time": r.Header.Get("PAYPAL-TRANSMISSION-TIME"),
			"webhook_id":        p.cfg.WebhookID,
			"webhook_event":     json.RawMessage(body),
		},
		Attempts: 2,
	}, &out)
	if err != nil {
		return false, err
	}
	if out.VerificationStatus != "SUCCESS" {
		return false, payment.ErrSignatureInvalid
	}
	return true, nil
}
