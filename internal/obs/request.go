package obs

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/hostpay/internal/payment"
)

// statusRecorder captures the status code and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// requestLabels are the low-cardinality attributes of a routed request.
// chi fills the route context while routing, so they are only complete once
// the downstream handler has returned.
type requestLabels struct {
	Route   string
	Gateway string
	Variant string
}

func labelsOf(r *http.Request) requestLabels {
	var l requestLabels
	if rc := chi.RouteContext(r.Context()); rc != nil {
		l.Route = rc.RoutePattern()
		if g, err := payment.ParseGateway(rc.URLParam("gateway")); err == nil {
			l.Gateway = string(g)
			l.Variant = strings.ToUpper(strings.TrimSpace(rc.URLParam("variant")))
		}
	}
	if l.Route == "" {
		l.Route = "unmatched"
	}
	return l
}

// gatewayLabel is the metric label value for the gateway dimension.
func (l requestLabels) gatewayLabel() string {
	if l.Gateway == "" {
		return "none"
	}
	return l.Gateway
}
