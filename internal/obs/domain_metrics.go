package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentCreatedTotal counts payment creation outcomes.
	PaymentCreatedTotal *prometheus.CounterVec
	// PaymentSignalTotal counts confirmation signals by source and apply outcome.
	PaymentSignalTotal *prometheus.CounterVec
	// PaymentSweepExpiredTotal counts payments expired by the sweep.
	PaymentSweepExpiredTotal prometheus.Counter
	// GatewayCallDuration records upstream gateway call latency in milliseconds.
	GatewayCallDuration *prometheus.HistogramVec
	// EventDeliveriesTotal tracks lifecycle callback delivery outcomes.
	EventDeliveriesTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers payment Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentCreatedTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_created_total",
			Help:      "Count of payment creation attempts by gateway and result.",
		}, []string{"gateway", "result"}))
		PaymentSignalTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_signal_total",
			Help:      "Count of confirmation signals by gateway, source and outcome.",
		}, []string{"gateway", "source", "outcome"}))
		PaymentSweepExpiredTotal = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_sweep_expired_total",
			Help:      "Number of payments moved to expired by the sweep.",
		}))
		GatewayCallDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_ms",
			Help:      "Latency of upstream gateway calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"gateway", "op"}))
		EventDeliveriesTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_event_deliveries_total",
			Help:      "Count of payment event callback delivery outcomes.",
		}, []string{"result"}))
	})
}

// CountPaymentCreated records a creation outcome when metrics are registered.
func CountPaymentCreated(gateway, result string) {
	if PaymentCreatedTotal != nil {
		PaymentCreatedTotal.WithLabelValues(gateway, result).Inc()
	}
}

// CountSignal records a signal outcome when metrics are registered.
func CountSignal(gateway, source, outcome string) {
	if PaymentSignalTotal != nil {
		PaymentSignalTotal.WithLabelValues(gateway, source, outcome).Inc()
	}
}

// CountSweepExpired adds n to the sweep expiry counter.
func CountSweepExpired(n int) {
	if PaymentSweepExpiredTotal != nil && n > 0 {
		PaymentSweepExpiredTotal.Add(float64(n))
	}
}

// ObserveGatewayCall records upstream latency for gateway and op.
func ObserveGatewayCall(gateway, op string, millis float64) {
	if GatewayCallDuration != nil {
		GatewayCallDuration.WithLabelValues(gateway, op).Observe(millis)
	}
}

// CountEventDelivery records a callback delivery outcome.
func CountEventDelivery(result string) {
	if EventDeliveriesTotal != nil {
		EventDeliveriesTotal.WithLabelValues(result).Inc()
	}
}
