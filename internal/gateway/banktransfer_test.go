package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/payment"
)

type staticAccounts []payment.BankAccount

func (s staticAccounts) ListBankAccounts(_ context.Context, activeOnly bool) ([]payment.BankAccount, error) {
	out := make([]payment.BankAccount, 0, len(s))
	for _, a := range s {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

var sampleAccounts = staticAccounts{
	{ID: "eu-1", Region: payment.RegionEurope, BankName: "Deutsche Bank", AccountHolder: "Hostpay GmbH", IBAN: "DE89370400440532013000", BIC: "DEUTDEFF", Currency: "EUR", Active: true},
	{ID: "mx-2", Region: payment.RegionMexico, BankName: "Banorte", AccountHolder: "Hostpay MX", CLABE: "002010077777777771", Currency: "MXN", Active: true, Position: 2},
	{ID: "mx-1", Region: payment.RegionMexico, BankName: "Banamex", AccountHolder: "Hostpay MX", CLABE: "002010077777777771", Currency: "MXN", Active: true, Position: 1},
	{ID: "us-off", Region: payment.RegionUSA, BankName: "Chase", AccountHolder: "Hostpay Inc", RoutingNumber: "021000021", AccountNumber: "123456789", Currency: "USD", Active: false},
}

func transferRequest(region string) payment.PaymentRequest {
	req := payment.PaymentRequest{
		Gateway:        payment.GatewayManualBankTransfer,
		GatewayVariant: region,
		OrderID:        "inv-8",
		Amount:         decimal.RequireFromString("2500.00"),
		Currency:       "MXN",
		CustomerEmail:  "a@example.mx",
		SuccessURL:     "https://shop.example.com/ok",
		CancelURL:      "https://shop.example.com/cancel",
	}
	req.Normalise()
	return req
}

func TestBankTransferInitiate(t *testing.T) {
	deps := testDeps(nil)
	bt := NewBankTransfer(BankTransferConfig{ReferencePrefix: "hp"}, sampleAccounts, deps)

	res, err := bt.Initiate(context.Background(), "pay-8", transferRequest("mexico"))
	require.NoError(t, err)
	require.Equal(t, payment.KindReference, res.Kind)
	require.Regexp(t, regexp.MustCompile(`^HP-[A-Z2-7]{8}$`), res.ProviderReference)
	require.Equal(t, res.ProviderReference, res.Reference.Reference)
	require.Equal(t, "mx-1", res.Reference.BankAccount.ID)
	require.Equal(t, deps.Now().Add(7*24*time.Hour), *res.ExpiresAt)

	other, err := bt.Initiate(context.Background(), "pay-9", transferRequest("mexico"))
	require.NoError(t, err)
	require.NotEqual(t, res.ProviderReference, other.ProviderReference)
}

func TestBankTransferRegionWithoutAccount(t *testing.T) {
	bt := NewBankTransfer(BankTransferConfig{}, sampleAccounts, testDeps(nil))

	_, err := bt.Initiate(context.Background(), "pay-8", transferRequest("usa"))
	var nc *payment.NotConfiguredError
	require.ErrorAs(t, err, &nc)
	require.Equal(t, "usa", nc.Variant)
	require.True(t, bt.TestConnection(context.Background()))
	require.False(t, NewBankTransfer(BankTransferConfig{}, staticAccounts{}, testDeps(nil)).TestConnection(context.Background()))
}

func TestBankTransferNeverSubstitutesAnotherRegion(t *testing.T) {
	accounts := staticAccounts{{ID: "any", Region: payment.RegionOther, BankName: "Wise", AccountHolder: "Hostpay", AccountNumber: "99887766", Currency: "MXN", Active: true}}
	bt := NewBankTransfer(BankTransferConfig{}, accounts, testDeps(nil))

	_, err := bt.Initiate(context.Background(), "pay-8", transferRequest("mexico"))
	var notCfg *payment.NotConfiguredError
	require.ErrorAs(t, err, &notCfg)
	require.Equal(t, payment.GatewayManualBankTransfer, notCfg.Gateway)
	require.Equal(t, "mexico", notCfg.Variant)

	res, err := bt.Initiate(context.Background(), "pay-9", transferRequest("other"))
	require.NoError(t, err)
	require.Equal(t, "any", res.Reference.BankAccount.ID)
	require.Regexp(t, `^PAY-`, res.ProviderReference)
}

func TestBankTransferFeed(t *testing.T) {
	bt := NewBankTransfer(BankTransferConfig{FeedSecret: "feed"}, sampleAccounts, testDeps(nil))
	body := []byte(`{"reference":"hp-abcd2345","amount":"2500.00","currency":"mxn","status":"settled"}`)
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	r.Header.Set("X-Signature", BankFeedSignature("feed", body))

	sig, err := bt.ParseWebhook(context.Background(), r, body)
	require.NoError(t, err)
	require.Equal(t, payment.ClaimSuccess, sig.ClaimedStatus)
	require.Equal(t, "HP-ABCD2345", sig.ClaimedReference)
	require.Equal(t, "MXN", sig.ClaimedCurrency)
	require.True(t, sig.ClaimedAmount.Equal(decimal.NewFromInt(2500)))

	r.Header.Set("X-Signature", BankFeedSignature("wrong", body))
	_, err = bt.ParseWebhook(context.Background(), r, body)
	require.ErrorIs(t, err, payment.ErrSignatureInvalid)

	st, err := bt.CheckStatus(context.Background(), "HP-ABCD2345")
	require.NoError(t, err)
	require.Equal(t, payment.ClaimPending, st.Status)
}
