// Package store persists payments, gateway credentials, bank accounts and the
// outbound event outbox. Postgres is the production backend; the memory
// backend serves tests and single-process development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/hostpay/internal/payment"
)

// ErrStoreUnavailable indicates the backing connection is not configured.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrNoChange may be returned from a Mutate callback to release the row lock
// without writing.
var ErrNoChange = errors.New("store: no change")

// ErrDuplicate is returned when an insert collides with an existing key.
var ErrDuplicate = errors.New("store: duplicate key")

// ErrNotFound is returned for missing configuration rows.
var ErrNotFound = errors.New("store: not found")

// MutateFunc edits a payment while the store holds its exclusive lock.
type MutateFunc func(p *payment.Payment) error

// Payments is the persistence contract for payment records. Mutate is the
// only way to change an existing record and serialises callers per payment.
type Payments interface {
	CreatePayment(ctx context.Context, p payment.Payment) error
	GetPayment(ctx context.Context, id string) (payment.Payment, error)
	FindByReference(ctx context.Context, gateway payment.Gateway, reference string) (payment.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]payment.Payment, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (payment.Payment, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]payment.Payment, error)
	ListAwaiting(ctx context.Context, gateways []payment.Gateway, limit int) ([]payment.Payment, error)
}

// GatewayConfigs persists adapter credential bundles.
type GatewayConfigs interface {
	ListGatewayConfigs(ctx context.Context) ([]payment.GatewayConfig, error)
	GetGatewayConfig(ctx context.Context, gateway payment.Gateway, variant string) (payment.GatewayConfig, error)
	UpsertGatewayConfig(ctx context.Context, cfg payment.GatewayConfig) (payment.GatewayConfig, error)
}

// BankAccounts persists receiving accounts for manual transfers.
type BankAccounts interface {
	ListBankAccounts(ctx context.Context, activeOnly bool) ([]payment.BankAccount, error)
	UpsertBankAccount(ctx context.Context, acct payment.BankAccount) (payment.BankAccount, error)
}

// OutboxEntry is a persisted lifecycle event awaiting delivery.
type OutboxEntry struct {
	Event       payment.Event
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
}

// Outbox records emitted events so deliveries can be retried and audited.
type Outbox interface {
	InsertEvent(ctx context.Context, ev payment.Event) error
	GetEvent(ctx context.Context, id string) (OutboxEntry, error)
	MarkEventDelivered(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id string, reason string) error
}

// Store bundles every persistence concern.
type Store interface {
	Payments
	GatewayConfigs
	BankAccounts
	Outbox
	Ping(ctx context.Context, timeout time.Duration) error
	Close()
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func clonePayment(p payment.Payment) payment.Payment {
	out := p
	if p.Evidence != nil {
		out.Evidence = append([]payment.Evidence(nil), p.Evidence...)
	}
	if p.PaymentData != nil {
		out.PaymentData = append([]byte(nil), p.PaymentData...)
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		out.ExpiresAt = &t
	}
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		out.ConfirmedAt = &t
	}
	return out
}
