package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// StatusError reports an upstream 5xx that survived every retry attempt.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: upstream status %d", e.StatusCode)
}

const (
	errBodyLimit         = 64 << 10
	defaultMaxRetryAfter = 5 * time.Second
)

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
//
// 5xx responses and transport errors count against the breaker and are
// retried with exponential backoff. 429 is retried after the upstream's
// Retry-After (capped by MaxRetryAfter) without tripping the breaker. Any
// other response goes back to the caller untouched.
type HTTPClient struct {
	Client        *http.Client
	Breaker       *Breaker
	BaseBackoff   time.Duration
	MaxAttempts   int
	Jitter        float64
	Timeout       time.Duration
	MaxRetryAfter time.Duration
	// Observe receives the outcome label and latency of every attempt.
	Observe func(outcome string, elapsed time.Duration)
}

// Do executes req under ctx. The body is buffered so every attempt sends the
// same bytes. A 5xx on the last attempt becomes a *StatusError and an open
// breaker yields ErrOpenCircuit. A nil Breaker never rejects.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	attempts := max(cl.MaxAttempts, 1)

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if !breaker.Allow(ctx) {
			cl.observe("circuit_open", 0)
			return nil, ErrOpenCircuit
		}
		start := time.Now()
		resp, err := cl.attempt(ctx, req, body)
		elapsed := time.Since(start)
		last := attempt >= attempts

		var wait time.Duration
		switch {
		case err != nil:
			breaker.Report(ctx, false)
			cl.observe("transport_error", elapsed)
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests:
			breaker.Report(ctx, true)
			cl.observe("throttled", elapsed)
			if last {
				return resp, nil
			}
			wait = cl.retryAfter(resp.Header.Get("Retry-After"))
			drain(resp)
		case resp.StatusCode >= http.StatusInternalServerError:
			breaker.Report(ctx, false)
			cl.observe("upstream_error", elapsed)
			lastErr = statusError(resp)
		default:
			breaker.Report(ctx, true)
			cl.observe("ok", elapsed)
			return resp, nil
		}
		if last {
			return nil, lastErr
		}
		if wait == 0 {
			wait = Backoff(cl.BaseBackoff, attempt, cl.Jitter)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// attempt bounds one call by Timeout. The response body outlives the call,
// so the deadline is released only when the body is closed.
func (cl HTTPClient) attempt(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	out := req.Clone(ctx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	}
	resp, err := cl.Client.Do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (cl HTTPClient) retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	limit := cl.MaxRetryAfter
	if limit <= 0 {
		limit = defaultMaxRetryAfter
	}
	return min(time.Duration(secs)*time.Second, limit)
}

func (cl HTTPClient) observe(outcome string, elapsed time.Duration) {
	if cl.Observe != nil {
		cl.Observe(outcome, elapsed)
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
		src = fresh
	}
	defer src.Close()
	return io.ReadAll(src)
}

func statusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	_ = resp.Body.Close()
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errBodyLimit))
	_ = resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
