package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an outbound payment lifecycle event.
type EventType string

const (
	EventConfirmed EventType = "payment.confirmed"
	EventFailed    EventType = "payment.failed"
	EventExpired   EventType = "payment.expired"
	EventRefunded  EventType = "payment.refunded"
	EventConflict  EventType = "payment.conflict"
)

// Event is emitted to invoice/notification collaborators after a state
// transition commits. PaymentConfirmed is the Event with Type EventConfirmed.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	OrderID    string          `json:"orderId"`
	PaymentID  string          `json:"paymentId"`
	Gateway    Gateway         `json:"gateway"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     Status          `json:"status"`
	Reason     Reason          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}
