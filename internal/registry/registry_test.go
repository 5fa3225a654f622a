package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/registry"
	"github.com/noah-isme/hostpay/internal/store"
)

type fakeAdapter struct {
	gateway payment.Gateway
	variant string
	label   string
	probe   func(ctx context.Context) bool
}

func (f *fakeAdapter) Gateway() payment.Gateway { return f.gateway }
func (f *fakeAdapter) Variant() string          { return f.variant }

func (f *fakeAdapter) Initiate(context.Context, string, payment.PaymentRequest) (payment.InitiateResult, error) {
	return payment.InitiateResult{}, errors.New("not used")
}

func (f *fakeAdapter) CheckStatus(context.Context, string) (payment.ProviderStatus, error) {
	return payment.ProviderStatus{Status: payment.ClaimPending}, nil
}

func (f *fakeAdapter) TestConnection(ctx context.Context) bool {
	if f.probe == nil {
		return true
	}
	return f.probe(ctx)
}

func TestLookupAndReplace(t *testing.T) {
	reg := registry.New(zerolog.Nop())

	_, err := reg.Lookup(payment.GatewayCountryBank, "MX")
	var nc *payment.NotConfiguredError
	require.ErrorAs(t, err, &nc)
	require.Equal(t, "MX", nc.Variant)

	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCountryBank, variant: "mx", label: "old"}))
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCountryBank, variant: "MX", label: "new"}))

	a, err := reg.Lookup(payment.GatewayCountryBank, "mx")
	require.NoError(t, err)
	require.Equal(t, "new", a.(*fakeAdapter).label)
	require.Len(t, reg.Keys(), 1)

	require.True(t, reg.Unregister(payment.GatewayCountryBank, "MX"))
	require.False(t, reg.Unregister(payment.GatewayCountryBank, "MX"))
	require.Error(t, reg.Register(nil))
}

func TestResolve(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCardWallet}))
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCrypto, variant: gateway.ProcessorPlisio}))
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCrypto, variant: gateway.ProcessorCoinbase}))
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCountryBank, variant: "BR"}))

	a, err := reg.Resolve(payment.PaymentRequest{Gateway: payment.GatewayCardWallet, GatewayVariant: "ignored"})
	require.NoError(t, err)
	require.Equal(t, payment.GatewayCardWallet, a.Gateway())

	a, err = reg.Resolve(payment.PaymentRequest{Gateway: payment.GatewayCrypto, GatewayVariant: "btc"})
	require.NoError(t, err)
	require.Equal(t, gateway.ProcessorCoinbase, a.Variant(), "coinbase precedes plisio")

	a, err = reg.Resolve(payment.PaymentRequest{Gateway: payment.GatewayCrypto, GatewayVariant: "btc", Provider: "plisio"})
	require.NoError(t, err)
	require.Equal(t, gateway.ProcessorPlisio, a.Variant())

	_, err = reg.Resolve(payment.PaymentRequest{Gateway: payment.GatewayCrypto, GatewayVariant: "btc", Provider: "nowpayments"})
	var nc *payment.NotConfiguredError
	require.ErrorAs(t, err, &nc)

	_, err = reg.Resolve(payment.PaymentRequest{Gateway: payment.GatewayCountryBank, GatewayVariant: "ZZ"})
	require.ErrorAs(t, err, &nc)
	require.Equal(t, "ZZ", nc.Variant)

	_, err = reg.Resolve(payment.PaymentRequest{Gateway: payment.GatewayManualBankTransfer, GatewayVariant: "mexico"})
	require.ErrorAs(t, err, &nc)
}

func TestListConfiguredNeverFails(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	reg.ProbeTimeout = 50 * time.Millisecond
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCardWallet}))
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCountryBank, variant: "AR", probe: func(context.Context) bool { panic("boom") }}))
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCrypto, variant: "coinbase", probe: func(ctx context.Context) bool {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return true
	}}))
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayManualBankTransfer, probe: func(context.Context) bool { return false }}))

	got := reg.ListConfigured(context.Background())
	require.Len(t, got, 4)
	require.Equal(t, payment.GatewayCardWallet, got[0].Gateway)
	require.True(t, got[0].Connected)
	require.Equal(t, "AR", got[1].Variant)
	require.False(t, got[1].Connected)
	require.Equal(t, payment.GatewayCrypto, got[2].Gateway)
	require.False(t, got[2].Connected)
	require.False(t, got[3].Connected)
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.Register(&fakeAdapter{gateway: payment.GatewayCardWallet})
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.Resolve(payment.PaymentRequest{Gateway: payment.GatewayCardWallet})
		}()
	}
	wg.Wait()
	_, err := reg.Lookup(payment.GatewayCardWallet, "")
	require.NoError(t, err)
}

type stubBuilder struct{ err error }

func (b stubBuilder) Build(cfg payment.GatewayConfig) (gateway.Adapter, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &fakeAdapter{gateway: cfg.Gateway, variant: cfg.Variant}, nil
}

func TestConfigure(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	err := reg.Configure(stubBuilder{},
		payment.GatewayConfig{Gateway: payment.GatewayCardWallet, Enabled: true},
		payment.GatewayConfig{Gateway: payment.GatewayCountryBank, Variant: "pe", Enabled: true},
	)
	require.NoError(t, err)
	require.Len(t, reg.Keys(), 2)

	require.NoError(t, reg.Configure(stubBuilder{}, payment.GatewayConfig{Gateway: payment.GatewayCardWallet, Enabled: false}))
	require.Len(t, reg.Keys(), 1)

	err = reg.Configure(stubBuilder{err: errors.New("missing api_key")}, payment.GatewayConfig{Gateway: payment.GatewayCrypto, Variant: "plisio", Enabled: true})
	require.ErrorContains(t, err, "crypto:plisio")
}

func adminRouter(h *registry.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/admin/gateways", h.List)
	r.Put("/api/v1/admin/gateways/{gateway}", h.Upsert)
	r.Get("/api/v1/gateways/countries", h.Countries)
	return r
}

func TestAdminUpsertRegistersAndPersists(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	mem := store.NewMemory()
	factory := gateway.Factory{Deps: gateway.Deps{Logger: zerolog.Nop()}, Accounts: mem}
	h := &registry.Handler{Registry: reg, Builder: factory, Configs: mem, Logger: zerolog.Nop()}
	router := adminRouter(h)

	body := []byte(`{"variant":"mx","credentials":{"access_token":"APP_USR-1","webhook_secret":"s"},"sandbox":true}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/admin/gateways/country_bank", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Gateway        string   `json:"gateway"`
			Variant        string   `json:"variant"`
			Enabled        bool     `json:"enabled"`
			CredentialKeys []string `json:"credentialKeys"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "MX", resp.Data.Variant)
	require.True(t, resp.Data.Enabled)
	require.Equal(t, []string{"access_token", "webhook_secret"}, resp.Data.CredentialKeys)
	require.NotContains(t, rec.Body.String(), "APP_USR-1")

	a, err := reg.Lookup(payment.GatewayCountryBank, "MX")
	require.NoError(t, err)
	require.Equal(t, "MX", a.Variant())
	stored, err := mem.GetGatewayConfig(context.Background(), payment.GatewayCountryBank, "MX")
	require.NoError(t, err)
	require.Equal(t, "APP_USR-1", stored.Credentials["access_token"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/gateways/countries", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"currency":"MXN"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/admin/gateways/country_bank", bytes.NewReader([]byte(`{"variant":"MX","enabled":false}`))))
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = reg.Lookup(payment.GatewayCountryBank, "MX")
	require.Error(t, err)
	stored, err = mem.GetGatewayConfig(context.Background(), payment.GatewayCountryBank, "MX")
	require.NoError(t, err)
	require.False(t, stored.Enabled)
	require.Equal(t, "APP_USR-1", stored.Credentials["access_token"], "credentials kept when omitted")
}

func TestAdminUpsertRejectsBadConfig(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	mem := store.NewMemory()
	h := &registry.Handler{Registry: reg, Builder: gateway.Factory{Deps: gateway.Deps{Logger: zerolog.Nop()}, Accounts: mem}, Configs: mem, Logger: zerolog.Nop()}
	router := adminRouter(h)

	cases := []struct {
		path   string
		body   string
		status int
	}{
		{"/api/v1/admin/gateways/bitcoin", `{}`, http.StatusBadRequest},
		{"/api/v1/admin/gateways/country_bank", `{"variant":"ZZ","credentials":{"access_token":"x"}}`, http.StatusUnprocessableEntity},
		{"/api/v1/admin/gateways/country_bank", `{"credentials":{"access_token":"x"}}`, http.StatusBadRequest},
		{"/api/v1/admin/gateways/card_wallet", `{"credentials":{"client_id":"only"}}`, http.StatusBadRequest},
		{"/api/v1/admin/gateways/card_wallet", `{"unknown":true}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, tc.path, bytes.NewReader([]byte(tc.body))))
		require.Equal(t, tc.status, rec.Code, tc.path+" "+tc.body)
	}
	require.Empty(t, reg.Keys())
	cfgs, err := mem.ListGatewayConfigs(context.Background())
	require.NoError(t, err)
	require.Empty(t, cfgs)
}

func TestAdminList(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register(&fakeAdapter{gateway: payment.GatewayCardWallet}))
	h := &registry.Handler{Registry: reg}

	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/gateways", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `"card_wallet"`, mustField(t, rec.Body.Bytes(), "gateway"))
	require.Contains(t, rec.Body.String(), `"isConnected":true`)
}

func mustField(t *testing.T, raw []byte, field string) string {
	t.Helper()
	var resp struct {
		Data []map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotEmpty(t, resp.Data)
	return string(resp.Data[0][field])
}
