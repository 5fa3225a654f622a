// Package events persists payment lifecycle events to the outbox and hands
// them to the delivery queue.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/store"
)

// EventStore persists events before any delivery is attempted.
type EventStore interface {
	InsertEvent(ctx context.Context, ev payment.Event) error
}

// DeliveryScheduler queues an outbox event for asynchronous delivery.
type DeliveryScheduler interface {
	Schedule(ctx context.Context, ev payment.Event) error
}

// Notifier receives events synchronously after they are stored.
type Notifier interface {
	Notify(ctx context.Context, ev payment.Event) error
}

// Bus orchestrates event persistence and fan-out.
type Bus struct {
	Store     EventStore
	Scheduler DeliveryScheduler
	Notifiers []Notifier
}

// Publish stores the event in the outbox then schedules delivery. A replayed
// event id is treated as already published and is not scheduled twice.
func (b *Bus) Publish(ctx context.Context, ev payment.Event) error {
	if b == nil || b.Store == nil {
		return errors.New("events: store not configured")
	}
	if strings.TrimSpace(ev.ID) == "" {
		return errors.New("events: id is required")
	}
	if !IsKnownTopic(ev.Type) {
		return fmt.Errorf("events: unknown topic %q", ev.Type)
	}
	if strings.TrimSpace(ev.PaymentID) == "" {
		return errors.New("events: payment id is required")
	}
	if err := b.Store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("events: persist %s: %w", ev.ID, err)
	}

	var joined error
	if b.Scheduler != nil {
		if err := b.Scheduler.Schedule(ctx, ev); err != nil {
			joined = errors.Join(joined, fmt.Errorf("schedule delivery: %w", err))
		}
	}
	for _, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			joined = errors.Join(joined, err)
		}
	}
	return joined
}
