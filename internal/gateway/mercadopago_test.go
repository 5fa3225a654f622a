package gateway

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mppayment "github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/payment"
)

type fakePreferences struct {
	last preference.Request
	resp *preference.Response
	err  error
}

func (f *fakePreferences) Create(_ context.Context, req preference.Request) (*preference.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakePayments struct {
	byID    map[int]*mppayment.Response
	results []mppayment.Response
	filters map[string]string
}

func (f *fakePayments) Get(_ context.Context, id int) (*mppayment.Response, error) {
	if p, ok := f.byID[id]; ok {
		return p, nil
	}
	return nil, errors.New("404 payment not found")
}

func (f *fakePayments) Search(_ context.Context, req mppayment.SearchRequest) (*mppayment.SearchResponse, error) {
	f.filters = req.Filters
	return &mppayment.SearchResponse{Results: f.results}, nil
}

func mexicoRequest() payment.PaymentRequest {
	return payment.PaymentRequest{
		Gateway:        payment.GatewayCountryBank,
		GatewayVariant: "MX",
		OrderID:        "inv-77",
		Amount:         decimal.RequireFromString("1250.00"),
		Currency:       "MXN",
		CustomerEmail:  "cliente@example.mx",
		SuccessURL:     "https://shop.example.com/ok",
		CancelURL:      "https://shop.example.com/cancel",
	}
}

func newMercadoPagoForTest(t *testing.T, secret string) (*MercadoPago, *fakePreferences, *fakePayments) {
	t.Helper()
	prefs := &fakePreferences{resp: &preference.Response{ID: "pref-1", InitPoint: "https://www.mercadopago.com.mx/checkout/v1/redirect?pref_id=pref-1", SandboxInitPoint: "https://sandbox.mercadopago.com.mx/checkout?pref_id=pref-1"}}
	pays := &fakePayments{byID: map[int]*mppayment.Response{}}
	mp, err := NewMercadoPagoWithClients(MercadoPagoConfig{Country: "mx", AccessToken: "APP_USR-1", WebhookSecret: secret, NotificationURL: "https://api.example.com/hook"}, prefs, pays, testDeps(nil))
	require.NoError(t, err)
	return mp, prefs, pays
}

func TestMercadoPagoInitiate(t *testing.T) {
	mp, prefs, _ := newMercadoPagoForTest(t, "")
	require.Equal(t, "MX", mp.Variant())

	res, err := mp.Initiate(context.Background(), "pay-9", mexicoRequest())
	require.NoError(t, err)
	require.Equal(t, payment.KindRedirect, res.Kind)
	require.Equal(t, "pay-9", res.ProviderReference)
	require.Contains(t, res.RedirectURL(), "pref_id=pref-1")
	require.Equal(t, "pay-9", prefs.last.ExternalReference)
	require.Equal(t, "MXN", prefs.last.Items[0].CurrencyID)
	require.InDelta(t, 1250.0, prefs.last.Items[0].UnitPrice, 0.001)
	require.Equal(t, "https://api.example.com/hook", prefs.last.NotificationURL)
}

func TestMercadoPagoRejectsForeignRequests(t *testing.T) {
	mp, _, _ := newMercadoPagoForTest(t, "")

	req := mexicoRequest()
	req.GatewayVariant = "AR"
	_, err := mp.Initiate(context.Background(), "pay-9", req)
	var nc *payment.NotConfiguredError
	require.ErrorAs(t, err, &nc)
	require.Contains(t, err.Error(), "not configured for region AR")

	req = mexicoRequest()
	req.Currency = "USD"
	_, err = mp.Initiate(context.Background(), "pay-9", req)
	var gerr *payment.GatewayError
	require.ErrorAs(t, err, &gerr)
	require.False(t, gerr.Retryable)
	require.Equal(t, "CURRENCY_MISMATCH", gerr.Code)
}

func TestMercadoPagoUpstreamFailure(t *testing.T) {
	mp, prefs, _ := newMercadoPagoForTest(t, "")
	prefs.err = errors.New("connection reset")

	_, err := mp.Initiate(context.Background(), "pay-9", mexicoRequest())
	var gerr *payment.GatewayError
	require.ErrorAs(t, err, &gerr)
	require.True(t, gerr.Retryable)
	require.Equal(t, payment.GatewayCountryBank, gerr.Gateway)
}

func TestMercadoPagoCheckStatusPicksMostAdvanced(t *testing.T) {
	mp, _, pays := newMercadoPagoForTest(t, "")
	pays.results = []mppayment.Response{
		{ID: 1, Status: "rejected", ExternalReference: "pay-9", TransactionAmount: 1250, CurrencyID: "MXN"},
		{ID: 2, Status: "approved", ExternalReference: "pay-9", TransactionAmount: 1250, CurrencyID: "MXN"},
	}
	st, err := mp.CheckStatus(context.Background(), "pay-9")
	require.NoError(t, err)
	require.Equal(t, "pay-9", pays.filters["external_reference"])
	require.Equal(t, payment.ClaimSuccess, st.Status)
	require.True(t, st.Amount.Equal(decimal.NewFromInt(1250)))
}

func signedNotification(secret, dataID, requestID, ts string) *http.Request {
	body := `{"type":"payment","action":"payment.updated","data":{"id":"` + dataID + `"}}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/country_bank/MX?data.id="+dataID+"&type=payment", strings.NewReader(body))
	r.Header.Set("x-request-id", requestID)
	v1 := signHex(sha256.New, secret, []byte(MercadoPagoManifest(dataID, requestID, ts)))
	r.Header.Set("x-signature", "ts="+ts+",v1="+v1)
	return r
}

func TestMercadoPagoParseWebhook(t *testing.T) {
	mp, _, pays := newMercadoPagoForTest(t, "mp-secret")
	pays.byID[123456] = &mppayment.Response{ID: 123456, Status: "approved", ExternalReference: "pay-9", TransactionAmount: 1250, CurrencyID: "MXN"}

	r := signedNotification("mp-secret", "123456", "req-1", "1742505638683")
	body := []byte(`{"type":"payment","action":"payment.updated","data":{"id":"123456"}}`)
	sig, err := mp.ParseWebhook(context.Background(), r, body)
	require.NoError(t, err)
	require.True(t, sig.Verified)
	require.Equal(t, payment.ClaimSuccess, sig.ClaimedStatus)
	require.Equal(t, "pay-9", sig.ClaimedReference)
	require.Equal(t, "MXN", sig.ClaimedCurrency)

	bad := signedNotification("other-secret", "123456", "req-1", "1742505638683")
	_, err = mp.ParseWebhook(context.Background(), bad, body)
	require.ErrorIs(t, err, payment.ErrSignatureInvalid)

	merchant := []byte(`{"type":"merchant_order","data":{"id":"1"}}`)
	_, err = mp.ParseWebhook(context.Background(), httptest.NewRequest(http.MethodPost, "/", nil), merchant)
	require.ErrorIs(t, err, payment.ErrIgnoredEvent)
}

func TestMercadoPagoStatusMapping(t *testing.T) {
	cases := map[string]payment.ClaimedStatus{
		"approved":     payment.ClaimSuccess,
		"in_process":   payment.ClaimPending,
		"pending":      payment.ClaimPending,
		"rejected":     payment.ClaimFailed,
		"cancelled":    payment.ClaimFailed,
		"refunded":     payment.ClaimRefunded,
		"charged_back": payment.ClaimRefunded,
	}
	for status, want := range cases {
		require.Equal(t, want, mercadoPagoClaim(status), status)
	}
}

func TestCountryProfiles(t *testing.T) {
	countries := Countries()
	require.Len(t, countries, 8)
	require.Equal(t, "AR", countries[0].Code)
	br, ok := Country("BR")
	require.True(t, ok)
	require.Equal(t, "BRL", br.Currency)
	require.Contains(t, br.Methods, "pix")
	_, ok = Country("ZZ")
	require.False(t, ok)
}
