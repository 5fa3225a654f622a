package main

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/lock"
	"github.com/noah-isme/hostpay/internal/reconcile"
)

const sweepLimit = 500

// maintenance runs the periodic sweep and poll passes. Only one worker
// instance runs each pass at a time; the others skip the tick.
type maintenance struct {
	Engine    *reconcile.Engine
	Locker    lock.Locker
	LockTTL   time.Duration
	PollBatch int
	Logger    zerolog.Logger
}

func (m maintenance) Sweep(ctx context.Context, _ *asynq.Task) error {
	return m.exclusive(ctx, "lock:sweep", func(ctx context.Context) error {
		_, err := m.Engine.Sweep(ctx, sweepLimit)
		return err
	})
}

func (m maintenance) Poll(ctx context.Context, _ *asynq.Task) error {
	return m.exclusive(ctx, "lock:poll", func(ctx context.Context) error {
		report, err := m.Engine.Poll(ctx, m.PollBatch)
		m.Logger.Info().
			Int("checked", report.Checked).
			Int("applied", report.Applied).
			Int("failed", report.Failed).
			Msg("poll_completed")
		return err
	})
}

func (m maintenance) exclusive(ctx context.Context, key string, fn func(context.Context) error) error {
	ttl := m.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	err := m.Locker.TryWithLock(ctx, key, ttl, fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		m.Logger.Debug().Str("lock", key).Msg("maintenance pass already running")
		return nil
	}
	return err
}
