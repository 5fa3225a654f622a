package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/reconcile"
	"github.com/noah-isme/hostpay/internal/registry"
	"github.com/noah-isme/hostpay/internal/store"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []payment.Event
}

func (r *recorder) Publish(_ context.Context, ev payment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t payment.EventType) []payment.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []payment.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	engine   *reconcile.Engine
	mem      *store.Memory
	events   *recorder
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	reg := registry.New(zerolog.Nop())
	return &fixture{
		engine: &reconcile.Engine{
			Payments:    mem,
			Events:      rec,
			Adapters:    reg,
			Logger:      zerolog.Nop(),
			Now:         func() time.Time { return testNow },
			PollTimeout: time.Second,
		},
		mem:      mem,
		events:   rec,
		registry: reg,
	}
}

func (f *fixture) seed(t *testing.T, id string, g payment.Gateway, amount string, mutate func(*payment.Payment)) payment.Payment {
	t.Helper()
	expires := testNow.Add(time.Hour)
	p := payment.Payment{
		ID:                id,
		Gateway:           g,
		OrderID:           "order-" + id,
		Amount:            decimal.RequireFromString(amount),
		Currency:          "USD",
		ProviderReference: "ref-" + id,
		Status:            payment.StatusAwaitingConfirmation,
		Tolerance:         g.AmountTolerance(),
		CreatedAt:         testNow.Add(-time.Minute),
		UpdatedAt:         testNow.Add(-time.Minute),
		ExpiresAt:         &expires,
	}
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(t, f.mem.CreatePayment(context.Background(), p))
	return p
}

func (f *fixture) get(t *testing.T, id string) payment.Payment {
	t.Helper()
	p, err := f.mem.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func amt(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func webhookSignal(raw string, claim payment.ClaimedStatus, amount string, reference string) payment.Signal {
	sig := payment.Signal{
		Source:           payment.SourceWebhook,
		RawPayload:       []byte(raw),
		ClaimedStatus:    claim,
		ClaimedCurrency:  "USD",
		ClaimedReference: reference,
		Verified:         true,
	}
	if amount != "" {
		sig.ClaimedAmount = amt(amount)
	}
	return sig
}

func TestApplyConfirmsOnceUnderReplay(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCardWallet, "19.99", nil)
	sig := webhookSignal(`{"id":"WH-1"}`, payment.ClaimSuccess, "19.99", "ref-p1")

	first, err := f.engine.Apply(context.Background(), "p1", sig)
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, payment.ReasonApplied, first.Reason)
	require.Equal(t, payment.StatusConfirmed, first.Status)

	again, err := f.engine.Apply(context.Background(), "p1", sig)
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.Equal(t, payment.ReasonDuplicate, again.Reason)
	require.Equal(t, payment.StatusConfirmed, again.Status)

	got := f.get(t, "p1")
	require.Len(t, got.Evidence, 1)
	require.NotNil(t, got.ConfirmedAt)
	confirmed := f.events.ofType(payment.EventConfirmed)
	require.Len(t, confirmed, 1)
	require.Equal(t, "order-p1", confirmed[0].OrderID)
	require.True(t, confirmed[0].Amount.Equal(decimal.RequireFromString("19.99")))
}

func TestApplyConcurrentSignalsTransitionOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCrypto, "100", nil)

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			raw := `{"delivery":` + decimal.NewFromInt(int64(i)).String() + `}`
			res, err := f.engine.Apply(context.Background(), "p1", webhookSignal(raw, payment.ClaimSuccess, "100", "ref-p1"))
			require.NoError(t, err)
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, applied)
	require.Len(t, f.events.ofType(payment.EventConfirmed), 1)
	got := f.get(t, "p1")
	require.Equal(t, payment.StatusConfirmed, got.Status)
	require.Len(t, got.Evidence, n)
}

func TestApplyConflictingSignalsRecordConflict(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCardWallet, "10", nil)

	var wg sync.WaitGroup
	results := make([]payment.ApplyResult, 2)
	for i, claim := range []payment.ClaimedStatus{payment.ClaimSuccess, payment.ClaimFailed} {
		wg.Add(1)
		go func(i int, claim payment.ClaimedStatus) {
			defer wg.Done()
			res, err := f.engine.Apply(context.Background(), "p1", webhookSignal(`{"n":`+string(rune('0'+i))+`}`, claim, "10", "ref-p1"))
			require.NoError(t, err)
			results[i] = res
		}(i, claim)
	}
	wg.Wait()

	require.NotEqual(t, results[0].Applied, results[1].Applied)
	reasons := []payment.Reason{results[0].Reason, results[1].Reason}
	require.ElementsMatch(t, []payment.Reason{payment.ReasonApplied, payment.ReasonConflict}, reasons)
	require.Len(t, f.events.ofType(payment.EventConflict), 1)
	require.Equal(t, 2, f.events.count())
}

func TestApplyAmountTolerance(t *testing.T) {
	cases := []struct {
		name     string
		gateway  payment.Gateway
		expected string
		claimed  string
		currency string
		status   payment.Status
		reason   payment.Reason
	}{
		{"crypto within lower band", payment.GatewayCrypto, "100", "95", "USD", payment.StatusConfirmed, payment.ReasonApplied},
		{"crypto within upper band", payment.GatewayCrypto, "100", "105", "USD", payment.StatusConfirmed, payment.ReasonApplied},
		{"crypto just outside band", payment.GatewayCrypto, "100", "94.99", "USD", payment.StatusFailed, payment.ReasonAmountMismatch},
		{"crypto underpayment", payment.GatewayCrypto, "100", "80", "USD", payment.StatusFailed, payment.ReasonAmountMismatch},
		{"card exact", payment.GatewayCardWallet, "19.99", "19.990", "usd", payment.StatusConfirmed, payment.ReasonApplied},
		{"card one cent short", payment.GatewayCardWallet, "19.99", "19.98", "USD", payment.StatusFailed, payment.ReasonAmountMismatch},
		{"currency differs", payment.GatewayCountryBank, "500", "500", "EUR", payment.StatusFailed, payment.ReasonAmountMismatch},
		{"currency omitted", payment.GatewayCountryBank, "500", "500", "", payment.StatusConfirmed, payment.ReasonApplied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "p1", tc.gateway, tc.expected, nil)
			sig := webhookSignal(`{"case":"`+tc.name+`"}`, payment.ClaimSuccess, tc.claimed, "ref-p1")
			sig.ClaimedCurrency = tc.currency

			res, err := f.engine.Apply(context.Background(), "p1", sig)
			require.NoError(t, err)
			require.True(t, res.Applied)
			require.Equal(t, tc.reason, res.Reason)
			require.Equal(t, tc.status, res.Status)

			got := f.get(t, "p1")
			require.Equal(t, tc.status, got.Status)
			if tc.reason == payment.ReasonAmountMismatch {
				require.Equal(t, payment.ReasonAmountMismatch, got.FailureReason)
				require.Len(t, f.events.ofType(payment.EventFailed), 1)
				require.Empty(t, f.events.ofType(payment.EventConfirmed))
			}
		})
	}
}

func TestApplyUsesToleranceStoredOnPayment(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCrypto, "100", func(p *payment.Payment) {
		p.Tolerance = decimal.RequireFromString("0.01")
	})
	res, err := f.engine.Apply(context.Background(), "p1", webhookSignal(`{}`, payment.ClaimSuccess, "97", "ref-p1"))
	require.NoError(t, err)
	require.Equal(t, payment.ReasonAmountMismatch, res.Reason)
}

func TestApplyRejectsMalformedSignals(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCardWallet, "10", nil)

	_, err := f.engine.Apply(context.Background(), "p1", webhookSignal(`{}`, payment.ClaimedStatus("settled"), "10", "ref-p1"))
	require.ErrorIs(t, err, payment.ErrMalformedSignal)

	_, err = f.engine.Apply(context.Background(), "p1", webhookSignal(`{}`, payment.ClaimSuccess, "", "ref-p1"))
	require.ErrorIs(t, err, payment.ErrMalformedSignal)

	_, err = f.engine.Apply(context.Background(), "missing", webhookSignal(`{}`, payment.ClaimFailed, "", ""))
	require.ErrorIs(t, err, payment.ErrPaymentNotFound)

	require.Empty(t, f.get(t, "p1").Evidence)
	require.Zero(t, f.events.count())
}

func TestApplyPendingRecordsEvidenceOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCrypto, "100", nil)

	res, err := f.engine.Apply(context.Background(), "p1", webhookSignal(`{"status":"waiting"}`, payment.ClaimPending, "", "ref-p1"))
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, payment.ReasonPending, res.Reason)

	got := f.get(t, "p1")
	require.Equal(t, payment.StatusAwaitingConfirmation, got.Status)
	require.Len(t, got.Evidence, 1)
	require.Zero(t, f.events.count())
}

func TestApplyTerminalStates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCardWallet, "10", nil)

	_, err := f.engine.Apply(context.Background(), "p1", webhookSignal(`{"a":1}`, payment.ClaimRefunded, "10", "ref-p1"))
	require.NoError(t, err)
	require.Equal(t, payment.StatusAwaitingConfirmation, f.get(t, "p1").Status, "refund before confirmation has no edge")
	require.Len(t, f.events.ofType(payment.EventConflict), 1)

	_, err = f.engine.Apply(context.Background(), "p1", webhookSignal(`{"a":2}`, payment.ClaimSuccess, "10", "ref-p1"))
	require.NoError(t, err)
	res, err := f.engine.Apply(context.Background(), "p1", webhookSignal(`{"a":3}`, payment.ClaimRefunded, "10", "ref-p1"))
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, payment.StatusRefunded, res.Status)
	require.Len(t, f.events.ofType(payment.EventRefunded), 1)

	res, err = f.engine.Apply(context.Background(), "p1", webhookSignal(`{"a":4}`, payment.ClaimSuccess, "10", "ref-p1"))
	require.NoError(t, err)
	require.Equal(t, payment.ReasonConflict, res.Reason)
	require.Equal(t, payment.StatusRefunded, f.get(t, "p1").Status)
}

func TestApplySignalResolvesPayment(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCrypto, "100", nil)
	f.seed(t, "p2", payment.GatewayCardWallet, "100", nil)

	t.Run("echoed payment id", func(t *testing.T) {
		sig := webhookSignal(`{"x":1}`, payment.ClaimPending, "", "")
		sig.ClaimedPaymentID = "p1"
		res, err := f.engine.ApplySignal(context.Background(), payment.GatewayCrypto, sig)
		require.NoError(t, err)
		require.Equal(t, "p1", res.PaymentID)
	})

	t.Run("echoed id from another gateway falls back to reference", func(t *testing.T) {
		sig := webhookSignal(`{"x":2}`, payment.ClaimPending, "", "ref-p1")
		sig.ClaimedPaymentID = "p2"
		res, err := f.engine.ApplySignal(context.Background(), payment.GatewayCrypto, sig)
		require.NoError(t, err)
		require.Equal(t, "p1", res.PaymentID)
	})

	t.Run("unknown reference", func(t *testing.T) {
		sig := webhookSignal(`{"x":3}`, payment.ClaimSuccess, "100", "ref-unknown")
		_, err := f.engine.ApplySignal(context.Background(), payment.GatewayCrypto, sig)
		var unmatched *payment.UnmatchedReferenceError
		require.ErrorAs(t, err, &unmatched)
		require.Equal(t, "ref-unknown", unmatched.Reference)
	})

	t.Run("reference of another gateway", func(t *testing.T) {
		sig := webhookSignal(`{"x":4}`, payment.ClaimSuccess, "100", "ref-p2")
		_, err := f.engine.ApplySignal(context.Background(), payment.GatewayCrypto, sig)
		var unmatched *payment.UnmatchedReferenceError
		require.ErrorAs(t, err, &unmatched)
	})

	require.Equal(t, payment.StatusAwaitingConfirmation, f.get(t, "p1").Status)
	require.Equal(t, payment.StatusAwaitingConfirmation, f.get(t, "p2").Status)
	require.Zero(t, f.events.count())
}

func TestMarkInitiatedAndFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCrypto, "100", func(p *payment.Payment) {
		p.Status = payment.StatusCreated
		p.ProviderReference = ""
		p.ExpiresAt = nil
	})
	expires := testNow.Add(time.Hour)
	tol := decimal.RequireFromString("0.02")
	updated, err := f.engine.MarkInitiated(context.Background(), "p1", payment.InitiateResult{
		Kind:              payment.KindAddress,
		ProviderReference: "NP-1",
		Address:           &payment.AddressData{PayAddress: "bc1qexample", PayAmount: decimal.RequireFromString("0.0015"), PayCurrency: "btc"},
		ExpiresAt:         &expires,
		Tolerance:         &tol,
	})
	require.NoError(t, err)
	require.Equal(t, payment.StatusAwaitingConfirmation, updated.Status)
	require.Equal(t, "NP-1", updated.ProviderReference)
	require.True(t, updated.Tolerance.Equal(tol))
	require.JSONEq(t, `{"payAddress":"bc1qexample","payAmount":"0.0015","payCurrency":"btc"}`, string(updated.PaymentData))

	again, err := f.engine.MarkInitiated(context.Background(), "p1", payment.InitiateResult{Kind: payment.KindAddress, ProviderReference: "NP-2"})
	require.NoError(t, err)
	require.Equal(t, "NP-1", again.ProviderReference)
	require.Equal(t, payment.StatusAwaitingConfirmation, again.Status)

	f.seed(t, "p2", payment.GatewayCardWallet, "10", func(p *payment.Payment) {
		p.Status = payment.StatusCreated
		p.ProviderReference = ""
	})
	failed, err := f.engine.MarkInitiateFailed(context.Background(), "p2", errors.New("upstream down"))
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, failed.Status)
	require.Equal(t, payment.ReasonInitiateFailed, failed.FailureReason)
	require.Zero(t, f.events.count())
}

func TestMarkInitiatedAfterEarlyConfirmKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCardWallet, "10", func(p *payment.Payment) {
		p.Status = payment.StatusConfirmed
		p.ProviderReference = ""
		p.ExpiresAt = nil
	})

	updated, err := f.engine.MarkInitiated(context.Background(), "p1", payment.InitiateResult{
		Kind:              payment.KindRedirect,
		ProviderReference: "ORDER-7",
		Redirect:          &payment.RedirectData{URL: "https://paypal.example/approve"},
	})
	require.NoError(t, err)
	require.Equal(t, payment.StatusConfirmed, updated.Status)
	require.Equal(t, "ORDER-7", updated.ProviderReference)
	require.Equal(t, "https://paypal.example/approve", updated.RedirectURL)
	require.Zero(t, f.events.count())
}

func TestSweepExpiresDuePayments(t *testing.T) {
	f := newFixture(t)
	past := testNow.Add(-time.Second)
	f.seed(t, "due", payment.GatewayCrypto, "100", func(p *payment.Payment) { p.ExpiresAt = &past })
	f.seed(t, "later", payment.GatewayCrypto, "100", nil)
	f.seed(t, "open", payment.GatewayCardWallet, "100", func(p *payment.Payment) { p.ExpiresAt = nil })

	n, err := f.engine.Sweep(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	due := f.get(t, "due")
	require.Equal(t, payment.StatusExpired, due.Status)
	require.Equal(t, payment.ReasonExpired, due.FailureReason)
	require.Len(t, due.Evidence, 1)
	require.Equal(t, payment.SourceSweep, due.Evidence[0].Source)
	require.Equal(t, payment.StatusAwaitingConfirmation, f.get(t, "later").Status)
	require.Equal(t, payment.StatusAwaitingConfirmation, f.get(t, "open").Status)
	require.Len(t, f.events.ofType(payment.EventExpired), 1)

	n, err = f.engine.Sweep(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, f.events.ofType(payment.EventExpired), 1)

	res, err := f.engine.Apply(context.Background(), "due", webhookSignal(`{"late":true}`, payment.ClaimSuccess, "100", "ref-due"))
	require.NoError(t, err)
	require.Equal(t, payment.ReasonConflict, res.Reason)
	require.Equal(t, payment.StatusExpired, f.get(t, "due").Status)
}

// racingPayments confirms a sweep candidate between listing and locking.
type racingPayments struct {
	*store.Memory
	afterList func()
}

func (r racingPayments) ListExpired(ctx context.Context, now time.Time, limit int) ([]payment.Payment, error) {
	out, err := r.Memory.ListExpired(ctx, now, limit)
	r.afterList()
	return out, err
}

func TestSweepLeavesPaymentConfirmedAfterListing(t *testing.T) {
	f := newFixture(t)
	past := testNow.Add(-time.Minute)
	f.seed(t, "p1", payment.GatewayCrypto, "100", func(p *payment.Payment) { p.ExpiresAt = &past })

	f.engine.Payments = racingPayments{Memory: f.mem, afterList: func() {
		_, err := f.engine.Apply(context.Background(), "p1", webhookSignal(`{"just":"in time"}`, payment.ClaimSuccess, "100", "ref-p1"))
		require.NoError(t, err)
	}}

	n, err := f.engine.Sweep(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, payment.StatusConfirmed, f.get(t, "p1").Status)
	require.Empty(t, f.events.ofType(payment.EventExpired))
	require.Len(t, f.events.ofType(payment.EventConfirmed), 1)
}

func TestManualConfirmation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayManualBankTransfer, "250", func(p *payment.Payment) { p.ProviderReference = "HP-7Q2K9XMA" })

	_, err := f.engine.ConfirmManual(context.Background(), "p1", reconcile.ManualConfirmation{Reference: "HP-OTHER"})
	var unmatched *payment.UnmatchedReferenceError
	require.ErrorAs(t, err, &unmatched)

	_, err = f.engine.ConfirmByReference(context.Background(), payment.GatewayManualBankTransfer, "hp-nothing", reconcile.ManualConfirmation{})
	require.ErrorAs(t, err, &unmatched)
	require.Equal(t, "HP-NOTHING", unmatched.Reference)

	res, err := f.engine.ConfirmByReference(context.Background(), payment.GatewayManualBankTransfer, " hp-7q2k9xma ", reconcile.ManualConfirmation{Operator: "ops@example.com", Note: "statement line 42"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, payment.StatusConfirmed, res.Status)

	got := f.get(t, "p1")
	require.Len(t, got.Evidence, 1)
	require.Equal(t, payment.SourceManual, got.Evidence[0].Source)
	require.Len(t, f.events.ofType(payment.EventConfirmed), 1)

	refund, err := f.engine.Refund(context.Background(), "p1", reconcile.ManualConfirmation{Operator: "ops@example.com"})
	require.NoError(t, err)
	require.Equal(t, payment.StatusRefunded, refund.Status)
	require.Len(t, f.events.ofType(payment.EventRefunded), 1)
}

func TestRefundRequiresConfirmedPayment(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", payment.GatewayCardWallet, "10", nil)
	_, err := f.engine.Refund(context.Background(), "p1", reconcile.ManualConfirmation{})
	require.ErrorIs(t, err, payment.ErrInvalidTransition)
	require.Equal(t, payment.StatusAwaitingConfirmation, f.get(t, "p1").Status)
}

func TestWithinTolerance(t *testing.T) {
	d := decimal.RequireFromString
	require.True(t, reconcile.WithinTolerance(d("100"), d("100"), decimal.Zero))
	require.False(t, reconcile.WithinTolerance(d("100"), d("100.01"), decimal.Zero))
	require.True(t, reconcile.WithinTolerance(d("100"), d("105"), d("0.05")))
	require.False(t, reconcile.WithinTolerance(d("100"), d("105.01"), d("0.05")))
	require.False(t, reconcile.WithinTolerance(d("100"), d("100.5"), d("-1")))
}
