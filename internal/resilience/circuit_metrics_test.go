package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/resilience"
)

func TestBreakerExportsStateAndTransitions(t *testing.T) {
	const target = "crypto:nowpayments"
	ctx := context.Background()
	state := func() float64 { return testutil.ToFloat64(resilience.BreakerState.WithLabelValues(target)) }
	moved := func(from, to string) float64 {
		return testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues(target, from, to))
	}

	opened := func() float64 { return testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues(target)) }

	// Collectors are process-wide, so counters are compared against a baseline.
	steps := [][2]string{{"closed", "open"}, {"open", "half_open"}, {"half_open", "closed"}}
	before := make([]float64, len(steps))
	for i, step := range steps {
		before[i] = moved(step[0], step[1])
	}
	openedBefore := opened()

	b := resilience.NewBreaker(1, 0.5, 20*time.Millisecond).WithTarget(target)
	require.Zero(t, state())

	b.Report(ctx, false)
	require.Equal(t, 1.0, state())
	require.Equal(t, openedBefore+1, opened())

	require.Eventually(t, func() bool { return b.Allow(ctx) }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2.0, state())
	require.False(t, b.Allow(ctx), "only one half-open probe at a time")

	b.Report(ctx, true)
	require.Zero(t, state())

	for i, step := range steps {
		require.Equal(t, before[i]+1, moved(step[0], step[1]), "%s -> %s", step[0], step[1])
	}
}
