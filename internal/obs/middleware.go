package obs

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPObs instruments HTTP handlers with metrics.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

// Middleware counts requests by route, gateway and status and records their
// latency. Webhook routes share one pattern, so the gateway label is what
// separates provider traffic.
func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := newStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		defer o.Metrics.InFlight.Dec()
		start := time.Now()
		next.ServeHTTP(rec, r)

		l := labelsOf(r)
		o.Metrics.ReqTotal.WithLabelValues(r.Method, l.Route, l.gatewayLabel(), strconv.Itoa(rec.status)).Inc()
		o.Metrics.ReqDur.WithLabelValues(r.Method, l.Route).Observe(DurationMillis(time.Since(start)))
	})
}

// TracingMiddleware opens a server span per request, continuing any trace
// propagated by the caller. The span is renamed after routing because the
// route pattern is unknown until then.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("http.server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		l := labelsOf(r)
		span.SetName(r.Method + " " + l.Route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", l.Route),
			attribute.Int("http.status_code", rec.status),
		)
		if l.Gateway != "" {
			span.SetAttributes(attribute.String("payment.gateway", l.Gateway))
		}
		if l.Variant != "" {
			span.SetAttributes(attribute.String("payment.variant", l.Variant))
		}
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
