// Package lock provides a Redis-backed mutual exclusion primitive used to
// keep periodic reconciliation jobs and event deliveries single-flight across
// worker instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned by TryWithLock when another holder owns the key.
	ErrNotAcquired = errors.New("lock: held by another owner")
	// ErrLeaseLost means the key expired or changed owner while fn was running.
	ErrLeaseLost = errors.New("lock: lease lost")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out leases on Redis keys. A held lease is renewed every third
// of its TTL until fn returns.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	Prefix       string
}

// WithLock runs fn while holding key, waiting until the key is free or ctx
// ends. The lease is released even if fn fails.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	return l.run(ctx, key, ttl, true, fn)
}

// TryWithLock runs fn only if key is free right now and returns
// ErrNotAcquired otherwise.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	return l.run(ctx, key, ttl, false, fn)
}

func (l Locker) run(ctx context.Context, key string, ttl time.Duration, wait bool, fn func(context.Context) error) error {
	switch {
	case l.R == nil:
		return errors.New("lock: redis client not configured")
	case fn == nil:
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key = l.Prefix + key
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token, ttl, wait); err != nil {
		return err
	}
	defer func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.R, []string{key}, token).Err()
	}()

	leaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renew(leaseCtx, cancel, stop, key, token, ttl)
	}()

	err := fn(leaseCtx)
	close(stop)
	wg.Wait()

	if cause := context.Cause(leaseCtx); errors.Is(cause, ErrLeaseLost) {
		if err == nil {
			return ErrLeaseLost
		}
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return err
}

func (l Locker) acquire(ctx context.Context, key, token string, ttl time.Duration, wait bool) error {
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		switch {
		case err != nil:
			return err
		case ok:
			return nil
		case !wait:
			return ErrNotAcquired
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// renew extends the lease until stop closes. A failed round trip is retried on
// the next tick; a lease owned by someone else cancels the holder.
func (l Locker) renew(ctx context.Context, cancel context.CancelCauseFunc, stop <-chan struct{}, key, token string, ttl time.Duration) {
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.R, []string{key}, token, ttl.Milliseconds()).Int()
			if err == nil && n == 0 {
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}
