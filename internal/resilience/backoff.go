package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff returns base doubled per attempt after the first. jitterPct spreads
// the result uniformly by that fraction in both directions (0.2 == ±20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempt = max(attempt, 1)
	d := base << min(attempt-1, 20)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
