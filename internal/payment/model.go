package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Payment is the durable unit of truth for one payment attempt.
type Payment struct {
	ID                string          `json:"id"`
	Gateway           Gateway         `json:"gateway"`
	Variant           string          `json:"variant,omitempty"`
	OrderID           string          `json:"orderId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Description       string          `json:"description,omitempty"`
	CustomerEmail     string          `json:"customerEmail,omitempty"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Status            Status          `json:"status"`
	FailureReason     Reason          `json:"failureReason,omitempty"`
	Tolerance         decimal.Decimal `json:"tolerance"`
	Kind              ResultKind      `json:"kind,omitempty"`
	RedirectURL       string          `json:"redirectUrl,omitempty"`
	PaymentData       json.RawMessage `json:"paymentData,omitempty"`
	Evidence          []Evidence      `json:"evidence,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	ConfirmedAt       *time.Time      `json:"confirmedAt,omitempty"`
}

// HasEvidence reports whether a signal with the given payload digest was
// already recorded against the payment.
func (p *Payment) HasEvidence(digest string) bool {
	for _, ev := range p.Evidence {
		if ev.Digest == digest {
			return true
		}
	}
	return false
}

// Expired reports whether the payment's expiry lies at or before now.
func (p *Payment) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// Source tags where a confirmation signal came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceManual  Source = "manual"
	SourcePoll    Source = "poll"
	SourceSweep   Source = "sweep"
)

// Evidence is one recorded confirmation signal. The sequence on a Payment is
// append-only.
type Evidence struct {
	Source          Source           `json:"source"`
	Digest          string           `json:"digest"`
	ClaimedStatus   ClaimedStatus    `json:"claimedStatus"`
	ClaimedAmount   *decimal.Decimal `json:"claimedAmount,omitempty"`
	ClaimedCurrency string           `json:"claimedCurrency,omitempty"`
	Verified        bool             `json:"verified"`
	Outcome         Reason           `json:"outcome"`
	ReceivedAt      time.Time        `json:"receivedAt"`
}

// Digest returns the hex SHA-256 of a raw payload.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Region tags the banking zone of a bank account.
type Region string

const (
	RegionEurope Region = "europe"
	RegionUSA    Region = "usa"
	RegionMexico Region = "mexico"
	RegionOther  Region = "other"
)

// ParseRegion validates a bank region, defaulting to other when empty.
func ParseRegion(value string) (Region, error) {
	switch r := Region(normaliseLower(value)); r {
	case RegionEurope, RegionUSA, RegionMexico, RegionOther:
		return r, nil
	case "":
		return RegionOther, nil
	default:
		return "", &ValidationError{Field: "bankRegion", Message: "unsupported bank region " + value}
	}
}

// BankAccount is a receiving account for manual bank transfers.
type BankAccount struct {
	ID            string `json:"id"`
	Region        Region `json:"region"`
	BankName      string `json:"bankName"`
	AccountHolder string `json:"accountHolder"`
	IBAN          string `json:"iban,omitempty"`
	BIC           string `json:"bic,omitempty"`
	RoutingNumber string `json:"routingNumber,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	CLABE         string `json:"clabe,omitempty"`
	Currency      string `json:"currency"`
	Active        bool   `json:"active"`
	Position      int    `json:"position"`
}

// GatewayConfig is the credential bundle for one adapter instance.
type GatewayConfig struct {
	Gateway     Gateway           `json:"gateway"`
	Variant     string            `json:"variant,omitempty"`
	Credentials map[string]string `json:"-"`
	Sandbox     bool              `json:"sandbox"`
	Enabled     bool              `json:"enabled"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Credential returns a trimmed credential value.
func (c GatewayConfig) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return normaliseSpace(c.Credentials[key])
}
