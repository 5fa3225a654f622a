package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/hostpay/internal/events"
	"github.com/noah-isme/hostpay/internal/lock"
)

// DeliveryWorker wraps event delivery execution with distributed locking.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
}

// Handle delivers the outbox event while holding its delivery lock.
func (w DeliveryWorker) Handle(ctx context.Context, eventID string) error {
	if w.Dispatcher == nil {
		return errors.New("delivery worker: dispatcher not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := fmt.Sprintf("lock:delivery:%s", eventID)
	return w.Locker.WithLock(ctx, key, ttl, func(ctx context.Context) error {
		return w.Dispatcher.DeliverByID(ctx, eventID)
	})
}

// ProcessTask implements asynq.Handler for events.TypeDeliverEvent tasks.
func (w DeliveryWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	eventID, err := events.ParseDeliverTask(t)
	if err != nil {
		return err
	}
	err = w.Handle(ctx, eventID)
	if errors.Is(err, ErrPermanent) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
