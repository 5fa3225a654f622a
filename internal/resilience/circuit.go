package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Breaker trips when the failure ratio over the current window reaches the
// threshold. While half-open a single probe is let through; its outcome
// decides whether the breaker closes or opens again.
type Breaker struct {
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	now          func() time.Time

	mu        sync.Mutex
	state     State
	ok, fail  int
	openedAt  time.Time
	probeSent time.Time
	target    string
	logger    zerolog.Logger
}

// NewBreaker returns a closed breaker. Non-positive arguments fall back to
// one request, a 0.5 ratio and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	failureRatio = min(failureRatio, 1)
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		now:          time.Now,
		target:       "default",
		logger:       zerolog.Nop(),
	}
}

// WithTarget names the upstream for metric labels and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := strings.TrimSpace(target); t != "" {
		b.target = t
	}
	BreakerState.WithLabelValues(b.target).Set(float64(b.state))
	return b
}

// WithLogger sets the logger used for transition events when the context
// carries none.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
	return b
}

// Allow reports whether a call may proceed. A nil breaker always allows.
func (b *Breaker) Allow(ctx context.Context) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.probeSent = now
		return true
	default:
		// A probe that never reported back is abandoned after one cool-off.
		if !b.probeSent.IsZero() && now.Sub(b.probeSent) < b.openFor {
			return false
		}
		b.probeSent = now
		return true
	}
}

// Report records the outcome of a call admitted by Allow. It is a no-op on a
// nil breaker.
func (b *Breaker) Report(ctx context.Context, success bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	if success {
		b.ok++
	} else {
		b.fail++
	}
	total := b.ok + b.fail
	if total < b.minRequests {
		return
	}
	if float64(b.fail)/float64(total) >= b.failureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	// Halve the window so old outcomes fade out.
	if total >= 2*b.minRequests {
		b.ok = (b.ok + 1) / 2
		b.fail = (b.fail + 1) / 2
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.ok, b.fail = 0, 0
	b.probeSent = time.Time{}
	switch next {
	case Open:
		b.openedAt = b.now()
		BreakerOpenedTotal.WithLabelValues(b.target).Inc()
	case Closed:
		b.openedAt = time.Time{}
	}
	BreakerState.WithLabelValues(b.target).Set(float64(next))
	BreakerTransitions.WithLabelValues(b.target, prev.String(), next.String()).Inc()

	logger := b.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info().Str("target", b.target).Stringer("from_state", prev).Stringer("to_state", next)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

// Set hands out one breaker per upstream target so a failing gateway variant
// never trips its siblings.
type Set struct {
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	Logger       zerolog.Logger

	breakers sync.Map
}

// For returns the breaker for target, creating it on first use.
func (s *Set) For(target string) *Breaker {
	if b, ok := s.breakers.Load(target); ok {
		return b.(*Breaker)
	}
	fresh := NewBreaker(s.MinRequests, s.FailureRatio, s.OpenFor).WithTarget(target).WithLogger(s.Logger)
	b, _ := s.breakers.LoadOrStore(target, fresh)
	return b.(*Breaker)
}
