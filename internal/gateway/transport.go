package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/resilience"
)

const maxResponseBytes = 1 << 20

// caller issues JSON calls to one provider through the resilience wrapper
// and normalises every failure into a *payment.GatewayError.
type caller struct {
	gateway payment.Gateway
	target  string
	client  *http.Client
	breaker *resilience.Breaker
	timeout time.Duration
}

type call struct {
	Op     string
	Method string
	URL    string
	Header http.Header
	// JSON is marshalled as the request body when set.
	JSON any
	// Form is sent url-encoded when set.
	Form url.Values
	// Attempts above one enable retries. Initiation stays at one so a
	// timed-out create is never duplicated upstream.
	Attempts int
}

func newCaller(g payment.Gateway, variant string, deps Deps) caller {
	t := target(g, variant)
	return caller{
		gateway: g,
		target:  t,
		client:  deps.client(),
		breaker: deps.breaker(t),
		timeout: deps.Timeout,
	}
}

// do runs c and decodes a 2xx JSON body into out. It returns the raw body.
func (cl caller) do(ctx context.Context, c call, out any) ([]byte, error) {
	ctx, span := otel.Tracer("gateway.caller").Start(ctx, "caller."+c.Op)
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway", string(cl.gateway)),
		attribute.String("gateway.target", cl.target),
	)

	req, err := cl.newRequest(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hc := resilience.HTTPClient{
		Client:      cl.client,
		Breaker:     cl.breaker,
		MaxAttempts: c.Attempts,
		BaseBackoff: 200 * time.Millisecond,
		Jitter:      0.2,
		Timeout:     cl.timeout,
		Observe: func(_ string, elapsed time.Duration) {
			obs.ObserveGatewayCall(string(cl.gateway), c.Op, float64(elapsed.Milliseconds()))
		},
	}
	resp, err := hc.Do(ctx, req)
	if err != nil {
		gerr := cl.transportError(err)
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		return nil, gerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		gerr := cl.transportError(err)
		span.RecordError(gerr)
		return nil, gerr
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		gerr := cl.statusError(resp.StatusCode, body)
		span.SetStatus(codes.Error, gerr.Error())
		return body, gerr
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			gerr := &payment.GatewayError{
				Gateway:    cl.gateway,
				Code:       "MALFORMED_RESPONSE",
				Message:    "provider returned an unreadable response",
				HTTPStatus: resp.StatusCode,
				Err:        err,
			}
			span.SetStatus(codes.Error, gerr.Error())
			return body, gerr
		}
	}
	return body, nil
}

func (cl caller) newRequest(ctx context.Context, c call) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case c.JSON != nil:
		raw, err := json.Marshal(c.JSON)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode %s request: %w", c.Op, err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case c.Form != nil:
		body = strings.NewReader(c.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build %s request: %w", c.Op, err)
	}
	for key, values := range c.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (cl caller) transportError(err error) *payment.GatewayError {
	var statusErr *resilience.StatusError
	switch {
	case errors.As(err, &statusErr):
		return cl.statusError(statusErr.StatusCode, statusErr.Body)
	case errors.Is(err, resilience.ErrOpenCircuit):
		return &payment.GatewayError{
			Gateway:    cl.gateway,
			Code:       "CIRCUIT_OPEN",
			Message:    "provider temporarily unavailable",
			Retryable:  true,
			HTTPStatus: http.StatusServiceUnavailable,
			Err:        err,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &payment.GatewayError{
			Gateway:    cl.gateway,
			Code:       "TIMEOUT",
			Message:    "provider did not answer in time",
			Retryable:  true,
			HTTPStatus: http.StatusGatewayTimeout,
			Err:        err,
		}
	default:
		return &payment.GatewayError{
			Gateway:    cl.gateway,
			Code:       "UNREACHABLE",
			Message:    "provider unreachable",
			Retryable:  true,
			HTTPStatus: http.StatusBadGateway,
			Err:        err,
		}
	}
}

// statusError extracts the provider's own code and message when the body
// carries one of the common error shapes.
func (cl caller) statusError(status int, body []byte) *payment.GatewayError {
	var shape struct {
		Name             string `json:"name"`
		Error            any    `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
		Code             any    `json:"code"`
	}
	code, message := "", ""
	if json.Unmarshal(body, &shape) == nil {
		code = shape.Name
		if code == "" {
			code = scalarString(shape.Code)
		}
		message = shape.Message
		if message == "" {
			message = shape.ErrorDescription
		}
		switch e := shape.Error.(type) {
		case string:
			if code == "" {
				code = e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && message == "" {
				message = m
			}
			if c, ok := e["code"]; ok && code == "" {
				code = scalarString(c)
			}
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return payment.NewGatewayError(cl.gateway, status, strings.ToUpper(code), message)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func basicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}
