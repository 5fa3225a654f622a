package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mercadopago/sdk-go/pkg/config"
	mppayment "github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/resilience"
)

// PreferenceCreator is the subset of the SDK preference client we use.
type PreferenceCreator interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

// PaymentFinder is the subset of the SDK payment client we use.
type PaymentFinder interface {
	Get(ctx context.Context, id int) (*mppayment.Response, error)
	Search(ctx context.Context, request mppayment.SearchRequest) (*mppayment.SearchResponse, error)
}

// MercadoPagoConfig holds the credentials of one country account.
type MercadoPagoConfig struct {
	Country       string
	AccessToken   string
	WebhookSecret string
	Sandbox       bool
	// NotificationURL is used when a request carries none.
	NotificationURL string
}

// MercadoPago implements the country-bank gateway for one market through
// Checkout Pro preferences.
type MercadoPago struct {
	cfg             MercadoPagoConfig
	profile         CountryProfile
	preferences     PreferenceCreator
	payments        PaymentFinder
	breaker         *resilience.Breaker
	now             func() time.Time
	logger          zerolog.Logger
	allowUnverified bool
}

// NewMercadoPago builds the adapter with SDK clients bound to the access
// token.
func NewMercadoPago(cfg MercadoPagoConfig, deps Deps) (*MercadoPago, error) {
	sdkCfg, err := config.New(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("gateway: mercadopago config: %w", err)
	}
	return NewMercadoPagoWithClients(cfg, preference.NewClient(sdkCfg), mppayment.NewClient(sdkCfg), deps)
}

// NewMercadoPagoWithClients builds the adapter over explicit clients.
func NewMercadoPagoWithClients(cfg MercadoPagoConfig, prefs PreferenceCreator, payments PaymentFinder, deps Deps) (*MercadoPago, error) {
	cfg.Country = strings.ToUpper(strings.TrimSpace(cfg.Country))
	profile, ok := Country(cfg.Country)
	if !ok {
		return nil, &payment.NotConfiguredError{Gateway: payment.GatewayCountryBank, Variant: cfg.Country}
	}
	return &MercadoPago{
		cfg:             cfg,
		profile:         profile,
		preferences:     prefs,
		payments:        payments,
		breaker:         deps.breaker(target(payment.GatewayCountryBank, cfg.Country)),
		now:             deps.now,
		logger:          deps.Logger.With().Str("gateway", string(payment.GatewayCountryBank)).Str("country", cfg.Country).Logger(),
		allowUnverified: deps.AllowUnverified,
	}, nil
}

func (m *MercadoPago) Gateway() payment.Gateway { return payment.GatewayCountryBank }
func (m *MercadoPago) Variant() string          { return m.cfg.Country }

// Profile returns the market this adapter serves.
func (m *MercadoPago) Profile() CountryProfile { return m.profile }

// Initiate creates a preference whose external reference is our payment id.
func (m *MercadoPago) Initiate(ctx context.Context, paymentID string, req payment.PaymentRequest) (payment.InitiateResult, error) {
	if req.GatewayVariant != m.cfg.Country {
		return payment.InitiateResult{}, &payment.NotConfiguredError{Gateway: payment.GatewayCountryBank, Variant: req.GatewayVariant}
	}
	if req.Currency != m.profile.Currency {
		return payment.InitiateResult{}, &payment.GatewayError{
			Gateway:    payment.GatewayCountryBank,
			Code:       "CURRENCY_MISMATCH",
			Message:    fmt.Sprintf("%s settles in %s, not %s", m.profile.Name, m.profile.Currency, req.Currency),
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	}
	title := req.Description
	if title == "" {
		title = "Order " + req.OrderID
	}
	notify := req.NotifyURL
	if notify == "" {
		notify = m.cfg.NotificationURL
	}
	request := preference.Request{
		Items: []preference.ItemRequest{
			{
				Title:       title,
				Description: req.Description,
				Quantity:    1,
				UnitPrice:   req.Amount.InexactFloat64(),
				CurrencyID:  m.profile.Currency,
			},
		},
		Payer:             &preference.PayerRequest{Email: req.CustomerEmail},
		ExternalReference: paymentID,
		AutoReturn:        "approved",
		BackURLs: &preference.BackURLsRequest{
			Success: req.SuccessURL,
			Failure: req.CancelURL,
			Pending: req.SuccessURL,
		},
		NotificationURL: notify,
	}

	var pref *preference.Response
	err := m.guard(ctx, "create_preference", func(ctx context.Context) error {
		var err error
		pref, err = m.preferences.Create(ctx, request)
		return err
	})
	if err != nil {
		return payment.InitiateResult{}, err
	}
	link := pref.InitPoint
	if m.cfg.Sandbox && pref.SandboxInitPoint != "" {
		link = pref.SandboxInitPoint
	}
	if link == "" {
		return payment.InitiateResult{}, &payment.GatewayError{
			Gateway:    payment.GatewayCountryBank,
			Code:       "MALFORMED_RESPONSE",
			Message:    "mercadopago preference carried no checkout link",
			HTTPStatus: http.StatusBadGateway,
		}
	}
	return payment.InitiateResult{
		Kind:              payment.KindRedirect,
		ProviderReference: paymentID,
		Redirect:          &payment.RedirectData{URL: link},
	}, nil
}

// CheckStatus searches payments by external reference and reports the most
// advanced one.
func (m *MercadoPago) CheckStatus(ctx context.Context, providerReference string) (payment.ProviderStatus, error) {
	var res *mppayment.SearchResponse
	err := m.guard(ctx, "search_payments", func(ctx context.Context) error {
		var err error
		res, err = m.payments.Search(ctx, mppayment.SearchRequest{
			Filters: map[string]string{"external_reference": providerReference},
			Limit:   10,
		})
		return err
	})
	if err != nil {
		return payment.ProviderStatus{}, err
	}
	status := payment.ProviderStatus{Reference: providerReference, Status: payment.ClaimPending}
	if res == nil {
		return status, nil
	}
	best := -1
	for i, r := range res.Results {
		if best < 0 || claimRank(mercadoPagoClaim(r.Status)) > claimRank(mercadoPagoClaim(res.Results[best].Status)) {
			best = i
		}
	}
	if best >= 0 {
		status = mercadoPagoStatus(res.Results[best])
		status.Reference = providerReference
	}
	return status, nil
}

// TestConnection runs a one-row payment search with the account token.
func (m *MercadoPago) TestConnection(ctx context.Context) bool {
	if m.cfg.AccessToken == "" {
		return false
	}
	err := m.guard(ctx, "test_connection", func(ctx context.Context) error {
		_, err := m.payments.Search(ctx, mppayment.SearchRequest{Limit: 1})
		return err
	})
	return err == nil
}

type mercadoPagoNotification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// ParseWebhook verifies x-signature, then fetches the notified payment so
// the signal carries the provider's own view of amount and status.
func (m *MercadoPago) ParseWebhook(ctx context.Context, r *http.Request, body []byte) (payment.Signal, error) {
	var note mercadoPagoNotification
	if len(body) > 0 {
		if err := json.Unmarshal(body, &note); err != nil {
			return payment.Signal{}, fmt.Errorf("%w: unreadable mercadopago notification", payment.ErrMalformedSignal)
		}
	}
	q := r.URL.Query()
	kind := note.Type
	if kind == "" {
		kind = note.Topic
	}
	if kind == "" {
		kind = firstNonEmpty(q.Get("type"), q.Get("topic"))
	}
	if kind != "payment" {
		return payment.Signal{}, payment.ErrIgnoredEvent
	}
	dataID := strings.Trim(string(note.Data.ID), `"`)
	if dataID == "" {
		dataID = firstNonEmpty(q.Get("data.id"), q.Get("id"))
	}
	if dataID == "" {
		return payment.Signal{}, fmt.Errorf("%w: notification without data.id", payment.ErrMalformedSignal)
	}

	verified, err := m.verify(r, dataID)
	if err != nil {
		return payment.Signal{}, err
	}
	id, err := strconv.Atoi(dataID)
	if err != nil {
		return payment.Signal{}, fmt.Errorf("%w: payment id %q", payment.ErrMalformedSignal, dataID)
	}
	var res *mppayment.Response
	err = m.guard(ctx, "get_payment", func(ctx context.Context) error {
		var err error
		res, err = m.payments.Get(ctx, id)
		return err
	})
	if err != nil {
		return payment.Signal{}, err
	}
	st := mercadoPagoStatus(*res)
	raw := body
	if len(raw) == 0 {
		raw = []byte(fmt.Sprintf(`{"id":%q,"status":%q}`, dataID, res.Status))
	}
	return payment.Signal{
		Source:           payment.SourceWebhook,
		RawPayload:       raw,
		ClaimedStatus:    st.Status,
		ClaimedAmount:    st.Amount,
		ClaimedCurrency:  st.Currency,
		ClaimedReference: res.ExternalReference,
		ClaimedPaymentID: res.ExternalReference,
		Verified:         verified,
		ReceivedAt:       m.now(),
	}, nil
}

// verify checks the x-signature header: ts=<unix>,v1=<hex hmac-sha256> over
// the manifest id:<data.id>;request-id:<x-request-id>;ts:<ts>;
func (m *MercadoPago) verify(r *http.Request, dataID string) (bool, error) {
	if m.cfg.WebhookSecret == "" {
		if m.allowUnverified {
			m.logger.Warn().Str("event", "webhook_unverified").Msg("mercadopago webhook secret not configured; accepting unverified notification")
			return false, nil
		}
		return false, payment.ErrUnverifiedWebhook
	}
	ts, v1 := "", ""
	for _, part := range strings.Split(r.Header.Get("x-signature"), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return false, payment.ErrSignatureInvalid
	}
	manifest := MercadoPagoManifest(dataID, r.Header.Get("x-request-id"), ts)
	if !validSignature(signHex(sha256.New, m.cfg.WebhookSecret, []byte(manifest)), v1) {
		return false, payment.ErrSignatureInvalid
	}
	return true, nil
}

// MercadoPagoManifest builds the string MercadoPago signs for a webhook.
func MercadoPagoManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	b.WriteString("id:" + strings.ToLower(dataID) + ";")
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// guard runs an SDK call under the country breaker, tracing and latency
// metrics. The SDK owns its transport, so retries are not attempted here.
func (m *MercadoPago) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("gateway.MercadoPago").Start(ctx, "MercadoPago."+op)
	defer span.End()
	span.SetAttributes(attribute.String("gateway.country", m.cfg.Country))

	if !m.breaker.Allow(ctx) {
		span.SetStatus(codes.Error, "circuit open")
		return &payment.GatewayError{
			Gateway:    payment.GatewayCountryBank,
			Code:       "CIRCUIT_OPEN",
			Message:    "provider temporarily unavailable",
			Retryable:  true,
			HTTPStatus: http.StatusServiceUnavailable,
			Err:        resilience.ErrOpenCircuit,
		}
	}
	start := time.Now()
	err := fn(ctx)
	obs.ObserveGatewayCall(string(payment.GatewayCountryBank), op, float64(time.Since(start).Milliseconds()))
	m.breaker.Report(ctx, err == nil)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	gerr := &payment.GatewayError{
		Gateway:    payment.GatewayCountryBank,
		Code:       "UPSTREAM_ERROR",
		Message:    "mercadopago request failed",
		Retryable:  true,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
	if errors.Is(err, context.DeadlineExceeded) {
		gerr.Code = "TIMEOUT"
		gerr.HTTPStatus = http.StatusGatewayTimeout
	}
	return gerr
}

func mercadoPagoClaim(status string) payment.ClaimedStatus {
	switch status {
	case "approved":
		return payment.ClaimSuccess
	case "rejected", "cancelled":
		return payment.ClaimFailed
	case "refunded", "charged_back":
		return payment.ClaimRefunded
	default:
		return payment.ClaimPending
	}
}

// claimRank orders claims by how far along the lifecycle they are.
func claimRank(c payment.ClaimedStatus) int {
	switch c {
	case payment.ClaimRefunded:
		return 3
	case payment.ClaimSuccess:
		return 2
	case payment.ClaimFailed, payment.ClaimExpired:
		return 1
	default:
		return 0
	}
}

func mercadoPagoStatus(r mppayment.Response) payment.ProviderStatus {
	amount := decimal.NewFromFloat(r.TransactionAmount)
	raw, _ := json.Marshal(map[string]any{
		"id":                 r.ID,
		"status":             r.Status,
		"status_detail":      r.StatusDetail,
		"external_reference": r.ExternalReference,
		"transaction_amount": r.TransactionAmount,
		"currency_id":        r.CurrencyID,
	})
	return payment.ProviderStatus{
		Reference: r.ExternalReference,
		Status:    mercadoPagoClaim(r.Status),
		Amount:    &amount,
		Currency:  r.CurrencyID,
		Raw:       raw,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
