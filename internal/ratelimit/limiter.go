// Package ratelimit throttles inbound webhook traffic per gateway and client
// address using github.com/ulule/limiter.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// DefaultRate applies when WEBHOOK_RATE_LIMIT is empty.
const DefaultRate = "120-M"

// Limiter counts hits per key in a fixed window.
type Limiter struct {
	limiter *limiter.Limiter
}

// ParseRate reads the "<limit>-<S|M|H|D>" notation.
func ParseRate(formatted string) (limiter.Rate, error) {
	formatted = strings.TrimSpace(formatted)
	if formatted == "" {
		formatted = DefaultRate
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return limiter.Rate{}, fmt.Errorf("ratelimit: parse rate %q: %w", formatted, err)
	}
	return rate, nil
}

// New wraps an arbitrary limiter store.
func New(store limiter.Store, rate limiter.Rate, trustForwardHeader bool) *Limiter {
	return &Limiter{limiter: limiter.New(store, rate, limiter.WithTrustForwardHeader(trustForwardHeader))}
}

// NewMemory keeps counters in process. Each replica limits on its own.
func NewMemory(rate limiter.Rate) *Limiter {
	return New(memory.NewStore(), rate, false)
}

// NewRedis shares counters across replicas through Redis.
func NewRedis(client *redis.Client, prefix string, rate limiter.Rate, trustForwardHeader bool) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("ratelimit: redis client is nil")
	}
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return New(store, rate, trustForwardHeader), nil
}

// Allow registers one hit for key.
func (l *Limiter) Allow(ctx context.Context, key string) (limiter.Context, error) {
	return l.limiter.Get(ctx, key)
}

// ClientKey derives the client address of r, honouring X-Forwarded-For only
// when the limiter trusts it.
func (l *Limiter) ClientKey(r *http.Request) string {
	return l.limiter.GetIPKey(r)
}
