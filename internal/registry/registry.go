// Package registry holds the live gateway adapters of a process, keyed by
// gateway and variant, and resolves payment requests onto them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/payment"
)

// Key identifies one registry slot.
type Key struct {
	Gateway payment.Gateway
	Variant string
}

func (k Key) String() string {
	if k.Variant == "" {
		return string(k.Gateway)
	}
	return string(k.Gateway) + ":" + k.Variant
}

// Status is one row of the configured-gateway feed.
type Status struct {
	Gateway   payment.Gateway `json:"gateway"`
	Variant   string          `json:"variant,omitempty"`
	Connected bool            `json:"isConnected"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// Builder turns a persisted config into an adapter.
type Builder interface {
	Build(cfg payment.GatewayConfig) (gateway.Adapter, error)
}

// Registry holds at most one adapter per (gateway, variant). It is safe for
// concurrent use; registering over an occupied key replaces the adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Key]gateway.Adapter

	// ProbeTimeout bounds each TestConnection call made by ListConfigured.
	ProbeTimeout time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// New constructs an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		adapters:     map[Key]gateway.Adapter{},
		ProbeTimeout: 5 * time.Second,
		Logger:       logger,
		Now:          time.Now,
	}
}

// Register installs a, replacing any adapter already held under its key.
func (r *Registry) Register(a gateway.Adapter) error {
	if a == nil {
		return errors.New("registry: adapter is nil")
	}
	key := Key{Gateway: a.Gateway(), Variant: payment.NormaliseVariant(a.Gateway(), a.Variant())}
	r.mu.Lock()
	_, replaced := r.adapters[key]
	r.adapters[key] = a
	r.mu.Unlock()
	r.Logger.Info().Str("gateway", string(key.Gateway)).Str("variant", key.Variant).Bool("replaced", replaced).Msg("gateway_registered")
	return nil
}

// Unregister removes the adapter under (g, variant). It reports whether one
// was present.
func (r *Registry) Unregister(g payment.Gateway, variant string) bool {
	key := Key{Gateway: g, Variant: payment.NormaliseVariant(g, variant)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[key]; !ok {
		return false
	}
	delete(r.adapters, key)
	return true
}

// Lookup returns the adapter registered under (g, variant) or a
// *payment.NotConfiguredError.
func (r *Registry) Lookup(g payment.Gateway, variant string) (gateway.Adapter, error) {
	key := Key{Gateway: g, Variant: payment.NormaliseVariant(g, variant)}
	r.mu.RLock()
	a, ok := r.adapters[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &payment.NotConfiguredError{Gateway: g, Variant: key.Variant}
	}
	return a, nil
}

// Resolve picks the adapter serving req. Country-bank requests resolve by
// country code. Crypto requests resolve by the requested processor, or the
// first configured processor in preference order. Other gateways have a
// single slot.
func (r *Registry) Resolve(req payment.PaymentRequest) (gateway.Adapter, error) {
	switch req.Gateway {
	case payment.GatewayCountryBank:
		return r.Lookup(req.Gateway, req.GatewayVariant)
	case payment.GatewayCrypto:
		if req.Provider != "" {
			return r.Lookup(req.Gateway, req.Provider)
		}
		for _, processor := range gateway.CryptoProcessors() {
			if a, err := r.Lookup(req.Gateway, processor); err == nil {
				return a, nil
			}
		}
		return nil, &payment.NotConfiguredError{Gateway: req.Gateway}
	default:
		return r.Lookup(req.Gateway, "")
	}
}

// Keys returns the occupied slots in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Adapters returns the registered adapters of one gateway.
func (r *Registry) Adapters(g payment.Gateway) []gateway.Adapter {
	var out []gateway.Adapter
	for _, k := range r.Keys() {
		if k.Gateway != g {
			continue
		}
		if a, err := r.Lookup(k.Gateway, k.Variant); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// ListConfigured probes every adapter concurrently and reports which are
// reachable. A panicking or slow probe reports false.
func (r *Registry) ListConfigured(ctx context.Context) []Status {
	r.mu.RLock()
	snapshot := make(map[Key]gateway.Adapter, len(r.adapters))
	for k, a := range r.adapters {
		snapshot[k] = a
	}
	r.mu.RUnlock()

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	out := make([]Status, 0, len(snapshot))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for key, a := range snapshot {
		wg.Add(1)
		go func(key Key, a gateway.Adapter) {
			defer wg.Done()
			ok := r.probe(ctx, key, a)
			mu.Lock()
			out = append(out, Status{Gateway: key.Gateway, Variant: key.Variant, Connected: ok, CheckedAt: now().UTC()})
			mu.Unlock()
		}(key, a)
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool {
		return lessKey(Key{out[i].Gateway, out[i].Variant}, Key{out[j].Gateway, out[j].Variant})
	})
	return out
}

func (r *Registry) probe(ctx context.Context, key Key, a gateway.Adapter) bool {
	timeout := r.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.Logger.Error().Str("gateway", key.String()).Interface("panic", rec).Msg("gateway probe panicked")
				result <- false
			}
		}()
		result <- a.TestConnection(ctx)
	}()
	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		r.Logger.Warn().Str("gateway", key.String()).Msg("gateway probe timed out")
		return false
	}
}

// Configure builds and registers every enabled config and unregisters the
// disabled ones. Build failures are joined; the remaining configs still apply.
func (r *Registry) Configure(b Builder, cfgs ...payment.GatewayConfig) error {
	var joined error
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			r.Unregister(cfg.Gateway, cfg.Variant)
			continue
		}
		a, err := b.Build(cfg)
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("registry: build %s: %w", Key{cfg.Gateway, payment.NormaliseVariant(cfg.Gateway, cfg.Variant)}, err))
			continue
		}
		if err := r.Register(a); err != nil {
			joined = errors.Join(joined, err)
		}
	}
	return joined
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
}

func lessKey(a, b Key) bool {
	ga, gb := gatewayRank(a.Gateway), gatewayRank(b.Gateway)
	if ga != gb {
		return ga < gb
	}
	return a.Variant < b.Variant
}

func gatewayRank(g payment.Gateway) int {
	for i, known := range payment.Gateways() {
		if known == g {
			return i
		}
	}
	return len(payment.Gateways())
}
