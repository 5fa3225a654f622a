package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is any evidence asserting a payment outcome.
type Signal struct {
	Source           Source
	RawPayload       []byte
	ClaimedStatus    ClaimedStatus
	ClaimedAmount    *decimal.Decimal
	ClaimedCurrency  string
	ClaimedReference string
	// ClaimedPaymentID is set when the provider echoes our payment id back.
	ClaimedPaymentID string
	// Verified is false when the provider's authenticity check was skipped.
	Verified   bool
	ReceivedAt time.Time
}

// Reason explains an apply outcome.
type Reason string

const (
	ReasonApplied        Reason = "applied"
	ReasonDuplicate      Reason = "duplicate"
	ReasonConflict       Reason = "conflict"
	ReasonAmountMismatch Reason = "amount_mismatch"
	ReasonPending        Reason = "pending"
	ReasonExpired        Reason = "expired"
	ReasonInitiateFailed Reason = "initiate_failed"
)

// ApplyResult reports what a signal did to a payment.
type ApplyResult struct {
	PaymentID string `json:"paymentId"`
	Applied   bool   `json:"applied"`
	Reason    Reason `json:"reason"`
	Status    Status `json:"status"`
}
