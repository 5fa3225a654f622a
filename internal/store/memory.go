package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/hostpay/internal/payment"
)

// Memory is an in-process Store. Mutations on different payments proceed in
// parallel; mutations on the same payment are serialised by a per-id mutex.
type Memory struct {
	mu       sync.RWMutex
	payments map[string]payment.Payment
	rowLocks map[string]*sync.Mutex
	configs  map[configKey]payment.GatewayConfig
	accounts map[string]payment.BankAccount
	events   map[string]OutboxEntry
	now      func() time.Time
}

type configKey struct {
	gateway payment.Gateway
	variant string
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		payments: map[string]payment.Payment{},
		rowLocks: map[string]*sync.Mutex{},
		configs:  map[configKey]payment.GatewayConfig{},
		accounts: map[string]payment.BankAccount{},
		events:   map[string]OutboxEntry{},
		now:      time.Now,
	}
}

func (m *Memory) CreatePayment(_ context.Context, p payment.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicate
	}
	if p.ProviderReference != "" {
		if _, ok := m.findByReferenceLocked(p.Gateway, p.ProviderReference); ok {
			return ErrDuplicate
		}
	}
	m.payments[p.ID] = clonePayment(p)
	m.rowLocks[p.ID] = &sync.Mutex{}
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *Memory) FindByReference(_ context.Context, gateway payment.Gateway, reference string) (payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.findByReferenceLocked(gateway, reference)
	if !ok {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *Memory) findByReferenceLocked(gateway payment.Gateway, reference string) (payment.Payment, bool) {
	if reference == "" {
		return payment.Payment{}, false
	}
	for _, p := range m.payments {
		if p.Gateway == gateway && p.ProviderReference == reference {
			return p, true
		}
	}
	return payment.Payment{}, false
}

func (m *Memory) ListByOrder(_ context.Context, orderID string) ([]payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.Payment, 0)
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, clonePayment(p))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) Mutate(_ context.Context, id string, fn MutateFunc) (payment.Payment, error) {
	m.mu.RLock()
	rowLock, ok := m.rowLocks[id]
	m.mu.RUnlock()
	if !ok {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	rowLock.Lock()
	defer rowLock.Unlock()

	m.mu.RLock()
	current := clonePayment(m.payments[id])
	m.mu.RUnlock()

	next := clonePayment(current)
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return current, err
	}
	next.ID = current.ID
	next.UpdatedAt = m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if next.ProviderReference != "" && next.ProviderReference != current.ProviderReference {
		if other, ok := m.findByReferenceLocked(next.Gateway, next.ProviderReference); ok && other.ID != id {
			return current, ErrDuplicate
		}
	}
	m.payments[id] = clonePayment(next)
	return next, nil
}

func (m *Memory) ListExpired(_ context.Context, now time.Time, limit int) ([]payment.Payment, error) {
	limit = clampLimit(limit, 100, 1000)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.Payment, 0)
	for _, p := range m.payments {
		if p.Status.IsTerminal() || !p.Expired(now) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListAwaiting(_ context.Context, gateways []payment.Gateway, limit int) ([]payment.Payment, error) {
	limit = clampLimit(limit, 100, 1000)
	allowed := make(map[payment.Gateway]bool, len(gateways))
	for _, g := range gateways {
		allowed[g] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.Payment, 0)
	for _, p := range m.payments {
		if p.Status != payment.StatusAwaitingConfirmation {
			continue
		}
		if len(allowed) > 0 && !allowed[p.Gateway] {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListGatewayConfigs(_ context.Context) ([]payment.GatewayConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.GatewayConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cloneConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gateway != out[j].Gateway {
			return out[i].Gateway < out[j].Gateway
		}
		return out[i].Variant < out[j].Variant
	})
	return out, nil
}

func (m *Memory) GetGatewayConfig(_ context.Context, gateway payment.Gateway, variant string) (payment.GatewayConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[configKey{gateway, variant}]
	if !ok {
		return payment.GatewayConfig{}, ErrNotFound
	}
	return cloneConfig(cfg), nil
}

func (m *Memory) UpsertGatewayConfig(_ context.Context, cfg payment.GatewayConfig) (payment.GatewayConfig, error) {
	cfg.UpdatedAt = m.now().UTC()
	cfg = cloneConfig(cfg)
	m.mu.Lock()
	m.configs[configKey{cfg.Gateway, cfg.Variant}] = cfg
	m.mu.Unlock()
	return cloneConfig(cfg), nil
}

func (m *Memory) ListBankAccounts(_ context.Context, activeOnly bool) ([]payment.BankAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.BankAccount, 0, len(m.accounts))
	for _, acct := range m.accounts {
		if activeOnly && !acct.Active {
			continue
		}
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpsertBankAccount(_ context.Context, acct payment.BankAccount) (payment.BankAccount, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.accounts[acct.ID] = acct
	m.mu.Unlock()
	return acct, nil
}

func (m *Memory) InsertEvent(_ context.Context, ev payment.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return ErrDuplicate
	}
	m.events[ev.ID] = OutboxEntry{Event: ev}
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.events[id]
	if !ok {
		return OutboxEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *Memory) MarkEventDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	entry.Attempts++
	entry.DeliveredAt = &at
	entry.LastError = ""
	m.events[id] = entry
	return nil
}

func (m *Memory) MarkEventFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	entry.Attempts++
	entry.LastError = reason
	m.events[id] = entry
	return nil
}

// Events returns every outbox entry in occurrence order. Intended for tests.
func (m *Memory) Events() []payment.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.Event, 0, len(m.events))
	for _, entry := range m.events {
		out = append(out, entry.Event)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

func (m *Memory) Ping(context.Context, time.Duration) error { return nil }

func (m *Memory) Close() {}

func sortByCreated(ps []payment.Payment) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func cloneConfig(cfg payment.GatewayConfig) payment.GatewayConfig {
	if cfg.Credentials != nil {
		creds := make(map[string]string, len(cfg.Credentials))
		for k, v := range cfg.Credentials {
			creds[k] = v
		}
		cfg.Credentials = creds
	}
	return cfg
}
