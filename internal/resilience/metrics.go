package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "hostpay"

// Breaker collectors are labelled by target, e.g. "crypto:nowpayments".
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "gateway",
		Name:      "breaker_state",
		Help:      "Gateway breaker state: 0=closed, 1=open, 2=half_open.",
	}, []string{"target"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "gateway",
		Name:      "breaker_transitions_total",
		Help:      "Gateway breaker state transitions.",
	}, []string{"target", "from", "to"})

	BreakerOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "gateway",
		Name:      "breaker_opened_total",
		Help:      "Times a gateway breaker opened.",
	}, []string{"target"})
)
