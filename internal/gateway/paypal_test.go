package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/resilience"
)

func testDeps(client *http.Client) Deps {
	return Deps{
		Client:   client,
		Breakers: &resilience.Set{MinRequests: 100, FailureRatio: 1, OpenFor: time.Second, Logger: zerolog.Nop()},
		Timeout:  2 * time.Second,
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		Logger:   zerolog.Nop(),
	}
}

func cardRequest() payment.PaymentRequest {
	return payment.PaymentRequest{
		Gateway:       payment.GatewayCardWallet,
		OrderID:       "inv-1001",
		Amount:        decimal.RequireFromString("49.90"),
		Currency:      "USD",
		Description:   "Hosting plan",
		CustomerEmail: "buyer@example.com",
		SuccessURL:    "https://shop.example.com/ok",
		CancelURL:     "https://shop.example.com/cancel",
	}
}

type paypalFake struct {
	tokenCalls  atomic.Int32
	createBody  map[string]any
	orderStatus string
	verifyAs    string
	createFail  int
}

func (f *paypalFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client", user)
		require.Equal(t, "secret", pass)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		if f.createFail != 0 {
			w.WriteHeader(f.createFail)
			_, _ = w.Write([]byte(`{"name":"INVALID_REQUEST","message":"bad amount"}`))
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.createBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"5O190127TN364715T","status":"CREATED","links":[{"href":"https://www.paypal.com/checkoutnow?token=5O190127TN364715T","rel":"approve"}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"5O190127TN364715T","status":"` + f.orderStatus + `","purchase_units":[{"custom_id":"pay-1","amount":{"currency_code":"USD","value":"49.90"}}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T/capture", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"5O190127TN364715T","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"USD","value":"49.90"}}]}}]}`))
	})
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "WH-1", body["webhook_id"])
		_ = json.NewEncoder(w).Encode(map[string]string{"verification_status": f.verifyAs})
	})
	return mux
}

func newPayPalForTest(t *testing.T, fake *paypalFake) *PayPal {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewPayPal(PayPalConfig{ClientID: "client", ClientSecret: "secret", WebhookID: "WH-1", BaseURL: srv.URL}, testDeps(srv.Client()))
}

func TestPayPalInitiateOrder(t *testing.T) {
	fake := &paypalFake{}
	pp := newPayPalForTest(t, fake)

	res, err := pp.Initiate(context.Background(), "pay-1", cardRequest())
	require.NoError(t, err)
	require.Equal(t, payment.KindRedirect, res.Kind)
	require.Equal(t, "5O190127TN364715T", res.ProviderReference)
	require.Contains(t, res.RedirectURL(), "checkoutnow")

	units := fake.createBody["purchase_units"].([]any)
	unit := units[0].(map[string]any)
	require.Equal(t, "pay-1", unit["custom_id"])
	require.Equal(t, "inv-1001", unit["invoice_id"])
	require.Equal(t, "49.90", unit["amount"].(map[string]any)["value"])

	_, err = pp.Initiate(context.Background(), "pay-2", cardRequest())
	require.NoError(t, err)
	require.EqualValues(t, 1, fake.tokenCalls.Load(), "token should be cached")
}

func TestPayPalInitiateUpstreamErrors(t *testing.T) {
	fake := &paypalFake{createFail: http.StatusBadRequest}
	pp := newPayPalForTest(t, fake)

	_, err := pp.Initiate(context.Background(), "pay-1", cardRequest())
	var gerr *payment.GatewayError
	require.ErrorAs(t, err, &gerr)
	require.False(t, gerr.Retryable)
	require.Equal(t, "INVALID_REQUEST", gerr.Code)
	require.Equal(t, "bad amount", gerr.Message)

	fake.createFail = http.StatusServiceUnavailable
	_, err = pp.Initiate(context.Background(), "pay-1", cardRequest())
	require.ErrorAs(t, err, &gerr)
	require.True(t, gerr.Retryable)
	require.Equal(t, http.StatusServiceUnavailable, payment.HTTPStatus(err))
}

func TestPayPalCheckStatusAndCapture(t *testing.T) {
	fake := &paypalFake{orderStatus: "APPROVED"}
	pp := newPayPalForTest(t, fake)

	st, err := pp.CheckStatus(context.Background(), "5O190127TN364715T")
	require.NoError(t, err)
	require.Equal(t, payment.ClaimPending, st.Status)

	fake.orderStatus = "COMPLETED"
	st, err = pp.CheckStatus(context.Background(), "5O190127TN364715T")
	require.NoError(t, err)
	require.Equal(t, payment.ClaimSuccess, st.Status)
	require.True(t, st.Amount.Equal(decimal.RequireFromString("49.90")))
	require.Equal(t, "USD", st.Currency)

	st, err = pp.Capture(context.Background(), "5O190127TN364715T")
	require.NoError(t, err)
	require.Equal(t, payment.ClaimSuccess, st.Status)
}

const captureCompleted = `{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","status":"COMPLETED","custom_id":"pay-1","amount":{"currency_code":"USD","value":"49.90"},"supplementary_data":{"related_ids":{"order_id":"5O190127TN364715T"}}}}`

func webhookRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/card_wallet", strings.NewReader(body))
	r.Header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	r.Header.Set("PAYPAL-TRANSMISSION-SIG", "sig")
	r.Header.Set("PAYPAL-TRANSMISSION-TIME", "2026-03-01T12:00:00Z")
	r.Header.Set("PAYPAL-CERT-URL", "https://api.paypal.com/cert")
	r.Header.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	return r
}

func TestPayPalParseWebhook(t *testing.T) {
	fake := &paypalFake{verifyAs: "SUCCESS"}
	pp := newPayPalForTest(t, fake)

	sig, err := pp.ParseWebhook(context.Background(), webhookRequest(captureCompleted), []byte(captureCompleted))
	require.NoError(t, err)
	require.True(t, sig.Verified)
	require.Equal(t, payment.ClaimSuccess, sig.ClaimedStatus)
	require.Equal(t, "5O190127TN364715T", sig.ClaimedReference)
	require.Equal(t, "pay-1", sig.ClaimedPaymentID)
	require.True(t, sig.ClaimedAmount.Equal(decimal.RequireFromString("49.90")))

	fake.verifyAs = "FAILURE"
	_, err = pp.ParseWebhook(context.Background(), webhookRequest(captureCompleted), []byte(captureCompleted))
	require.ErrorIs(t, err, payment.ErrSignatureInvalid)

	fake.verifyAs = "SUCCESS"
	other := `{"id":"WH-EVT-2","event_type":"CUSTOMER.DISPUTE.CREATED","resource":{}}`
	_, err = pp.ParseWebhook(context.Background(), webhookRequest(other), []byte(other))
	require.ErrorIs(t, err, payment.ErrIgnoredEvent)

	_, err = pp.ParseWebhook(context.Background(), webhookRequest("nope"), []byte("nope"))
	require.ErrorIs(t, err, payment.ErrMalformedSignal)
}

func TestPayPalWebhookWithoutWebhookID(t *testing.T) {
	fake := &paypalFake{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	deps := testDeps(srv.Client())
	pp := NewPayPal(PayPalConfig{ClientID: "client", ClientSecret: "secret", BaseURL: srv.URL}, deps)

	_, err := pp.ParseWebhook(context.Background(), webhookRequest(captureCompleted), []byte(captureCompleted))
	require.True(t, errors.Is(err, payment.ErrUnverifiedWebhook))

	deps.AllowUnverified = true
	pp = NewPayPal(PayPalConfig{ClientID: "client", ClientSecret: "secret", BaseURL: srv.URL}, deps)
	sig, err := pp.ParseWebhook(context.Background(), webhookRequest(captureCompleted), []byte(captureCompleted))
	require.NoError(t, err)
	require.False(t, sig.Verified)
}

func TestPayPalCircuitOpensOnRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	deps := testDeps(srv.Client())
	deps.Breakers = &resilience.Set{MinRequests: 2, FailureRatio: 0.5, OpenFor: time.Minute, Logger: zerolog.Nop()}
	pp := NewPayPal(PayPalConfig{ClientID: "client", ClientSecret: "secret", BaseURL: srv.URL}, deps)

	var gerr *payment.GatewayError
	for i := 0; i < 4; i++ {
		_, err := pp.Initiate(context.Background(), "pay-1", cardRequest())
		require.ErrorAs(t, err, &gerr)
	}
	require.Equal(t, "CIRCUIT_OPEN", gerr.Code)
	require.True(t, gerr.Retryable)
	require.False(t, pp.TestConnection(context.Background()))
}
