package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/payment"
)

// BankAccountLister supplies receiving accounts.
type BankAccountLister interface {
	ListBankAccounts(ctx context.Context, activeOnly bool) ([]payment.BankAccount, error)
}

// BankTransferConfig tunes manual transfers.
type BankTransferConfig struct {
	ReferencePrefix string
	// TTL defaults to seven days.
	TTL time.Duration
	// FeedSecret signs reconciliation feed posts. Empty disables the feed
	// unless unverified webhooks are allowed.
	FeedSecret string
}

// BankTransfer implements manual bank transfers: the customer receives bank
// details plus a reference code and confirmation arrives by an operator or
// a signed reconciliation feed.
type BankTransfer struct {
	cfg             BankTransferConfig
	accounts        BankAccountLister
	now             func() time.Time
	logger          zerolog.Logger
	allowUnverified bool
	random          io.Reader
}

// NewBankTransfer builds the adapter.
func NewBankTransfer(cfg BankTransferConfig, accounts BankAccountLister, deps Deps) *BankTransfer {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	cfg.ReferencePrefix = strings.ToUpper(strings.TrimSpace(cfg.ReferencePrefix))
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "PAY"
	}
	return &BankTransfer{
		cfg:             cfg,
		accounts:        accounts,
		now:             deps.now,
		logger:          deps.Logger.With().Str("gateway", string(payment.GatewayManualBankTransfer)).Logger(),
		allowUnverified: deps.AllowUnverified,
		random:          rand.Reader,
	}
}

func (b *BankTransfer) Gateway() payment.Gateway { return payment.GatewayManualBankTransfer }
func (b *BankTransfer) Variant() string          { return "" }

// Initiate picks a receiving account for the requested region and issues a
// reference code.
func (b *BankTransfer) Initiate(ctx context.Context, _ string, req payment.PaymentRequest) (payment.InitiateResult, error) {
	region := req.BankRegion()
	accounts, err := b.accounts.ListBankAccounts(ctx, true)
	if err != nil {
		return payment.InitiateResult{}, fmt.Errorf("gateway: list bank accounts: %w", err)
	}
	account, ok := selectAccount(accounts, region, req.Currency)
	if !ok {
		return payment.InitiateResult{}, &payment.NotConfiguredError{Gateway: payment.GatewayManualBankTransfer, Variant: string(region)}
	}
	reference, err := b.newReference()
	if err != nil {
		return payment.InitiateResult{}, err
	}
	expires := b.now().Add(b.cfg.TTL)
	return payment.InitiateResult{
		Kind:              payment.KindReference,
		ProviderReference: reference,
		Reference: &payment.ReferenceData{
			BankAccount: account,
			Reference:   reference,
		},
		ExpiresAt: &expires,
	}, nil
}

// selectAccount prefers an exact region and currency match, then any
// account in the region. Accounts of other regions are never substituted.
func selectAccount(accounts []payment.BankAccount, region payment.Region, currency string) (payment.BankAccount, bool) {
	sorted := append([]payment.BankAccount(nil), accounts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	var regionOnly *payment.BankAccount
	for i := range sorted {
		acct := &sorted[i]
		if !acct.Active || acct.Region != region {
			continue
		}
		if acct.Currency == currency {
			return *acct, true
		}
		if regionOnly == nil {
			regionOnly = acct
		}
	}
	if regionOnly != nil {
		return *regionOnly, true
	}
	return payment.BankAccount{}, false
}

// newReference returns <prefix>-<8 base32 chars>.
func (b *BankTransfer) newReference() (string, error) {
	buf := make([]byte, 5)
	if _, err := io.ReadFull(b.random, buf); err != nil {
		return "", fmt.Errorf("gateway: reference entropy: %w", err)
	}
	code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return b.cfg.ReferencePrefix + "-" + code, nil
}

// CheckStatus has no upstream to ask.
func (b *BankTransfer) CheckStatus(_ context.Context, providerReference string) (payment.ProviderStatus, error) {
	return payment.ProviderStatus{Reference: providerReference, Status: payment.ClaimPending}, nil
}

// TestConnection reports whether at least one active account exists.
func (b *BankTransfer) TestConnection(ctx context.Context) bool {
	accounts, err := b.accounts.ListBankAccounts(ctx, true)
	return err == nil && len(accounts) > 0
}

// BankFeedSignature computes X-Signature for a reconciliation feed body.
func BankFeedSignature(secret string, body []byte) string {
	return signHex(sha256.New, secret, body)
}

// ParseWebhook accepts a signed reconciliation feed entry.
func (b *BankTransfer) ParseWebhook(_ context.Context, r *http.Request, body []byte) (payment.Signal, error) {
	verified := true
	if b.cfg.FeedSecret == "" {
		if !b.allowUnverified {
			return payment.Signal{}, payment.ErrUnverifiedWebhook
		}
		b.logger.Warn().Str("event", "webhook_unverified").Msg("bank feed secret not configured; accepting unverified entry")
		verified = false
	} else if !validSignature(BankFeedSignature(b.cfg.FeedSecret, body), r.Header.Get("X-Signature")) {
		return payment.Signal{}, payment.ErrSignatureInvalid
	}

	var entry struct {
		Reference string          `json:"reference"`
		Amount    json.RawMessage `json:"amount"`
		Currency  string          `json:"currency"`
		Status    string          `json:"status"`
	}
	if err := json.Unmarshal(body, &entry); err != nil {
		return payment.Signal{}, fmt.Errorf("%w: unreadable bank feed entry", payment.ErrMalformedSignal)
	}
	if strings.TrimSpace(entry.Reference) == "" {
		return payment.Signal{}, fmt.Errorf("%w: bank feed entry without reference", payment.ErrMalformedSignal)
	}
	rawAmount := strings.Trim(string(entry.Amount), `"`)
	if rawAmount == "null" {
		rawAmount = ""
	}
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return payment.Signal{}, fmt.Errorf("%w: bank feed amount", payment.ErrMalformedSignal)
	}
	claim := payment.ClaimSuccess
	switch strings.ToLower(strings.TrimSpace(entry.Status)) {
	case "", "success", "completed", "confirmed", "settled":
	case "failed", "rejected", "returned":
		claim = payment.ClaimFailed
	case "refunded":
		claim = payment.ClaimRefunded
	case "pending":
		claim = payment.ClaimPending
	default:
		return payment.Signal{}, fmt.Errorf("%w: bank feed status %q", payment.ErrMalformedSignal, entry.Status)
	}
	return payment.Signal{
		Source:           payment.SourceWebhook,
		RawPayload:       body,
		ClaimedStatus:    claim,
		ClaimedAmount:    amount,
		ClaimedCurrency:  upper(entry.Currency),
		ClaimedReference: strings.ToUpper(strings.TrimSpace(entry.Reference)),
		Verified:         verified,
		ReceivedAt:       b.now(),
	}, nil
}
