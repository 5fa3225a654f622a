// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ErrNotConfigured reports an optional dependency that is switched off. Such
// a probe shows as "disabled" and does not fail readiness.
var ErrNotConfigured = errors.New("not configured")

var draining atomic.Bool

// SetReady flips the readiness flag. Shutdown sets it to false so load
// balancers drain the instance before the listener closes.
func SetReady(v bool) { draining.Store(!v) }

// Probe is one named readiness check bounded by Timeout.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes []Probe
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live reports liveness status.
func (Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 if any of them fails
// or the process is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		writeReport(w, http.StatusServiceUnavailable, report{Status: "draining"})
		return
	}
	if len(h.Probes) == 0 {
		writeReport(w, http.StatusServiceUnavailable, report{Status: "unconfigured"})
		return
	}

	results := make([]string, len(h.Probes))
	var g errgroup.Group
	for i, p := range h.Probes {
		g.Go(func() error {
			results[i] = run(r.Context(), p)
			return nil
		})
	}
	_ = g.Wait()

	rep := report{Status: "ok", Checks: make(map[string]string, len(h.Probes))}
	code := http.StatusOK
	for i, p := range h.Probes {
		rep.Checks[p.Name] = results[i]
		if results[i] != "ok" && results[i] != "disabled" {
			rep.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeReport(w, code, rep)
}

func run(ctx context.Context, p Probe) string {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	err := p.Check(ctx)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConfigured):
		return "disabled"
	default:
		return err.Error()
	}
}

func writeReport(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

// Pinger is satisfied by the payment store.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// Store probes the payment store under the name "db".
func Store(s Pinger, timeout time.Duration) Probe {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return Probe{Name: "db", Timeout: timeout, Check: func(ctx context.Context) error {
		if s == nil {
			return errors.New("store not configured")
		}
		return s.Ping(ctx, timeout)
	}}
}

// Redis probes rdb under the name "redis". A nil client is disabled.
func Redis(rdb *redis.Client, timeout time.Duration) Probe {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return Probe{Name: "redis", Timeout: timeout, Check: func(ctx context.Context) error {
		if rdb == nil {
			return ErrNotConfigured
		}
		return rdb.Ping(ctx).Err()
	}}
}
