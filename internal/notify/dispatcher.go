// Package notify delivers payment lifecycle events from the outbox to the
// invoice collaborator over signed HTTP callbacks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/hostpay/internal/obs"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/resilience"
	"github.com/noah-isme/hostpay/internal/store"
)

// ErrPermanent marks deliveries that will never succeed on retry.
var ErrPermanent = errors.New("notify: permanent delivery failure")

// Dispatcher sends outbox events to the configured callback URL.
type Dispatcher struct {
	Outbox    store.Outbox
	HTTP      resilience.HTTPClient
	URL       string
	Secret    string
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

type callbackPayload struct {
	EventID    string        `json:"eventId"`
	Topic      string        `json:"topic"`
	Data       payment.Event `json:"data"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// DeliverByID loads the outbox event and delivers it once. Events already
// marked delivered are skipped. Failures are recorded on the outbox row and
// returned so the caller can retry.
func (d *Dispatcher) DeliverByID(ctx context.Context, eventID string) error {
	if d == nil || d.Outbox == nil {
		return errors.New("notify: dispatcher not configured")
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.DeliverByID")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", eventID))

	entry, err := d.Outbox.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("notify: event %s: %w", eventID, errors.Join(err, ErrPermanent))
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("notify: load event %s: %w", eventID, err)
	}
	if entry.DeliveredAt != nil {
		obs.CountEventDelivery("duplicate")
		return nil
	}
	if strings.TrimSpace(d.URL) == "" {
		obs.CountEventDelivery("disabled")
		d.Logger.Debug().Str("event_id", eventID).Msg("event delivery disabled")
		return nil
	}

	var claim string
	if d.Replay != nil && d.ReplayTTL > 0 {
		token, ok, err := d.Replay.Claim(ctx, eventID, d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			obs.CountEventDelivery("replay_suppressed")
			return nil
		}
		claim = token
	}

	start := time.Now()
	status, deliverErr := d.deliver(ctx, entry.Event)
	if deliverErr == nil {
		obs.CountEventDelivery("delivered")
		if err := d.Outbox.MarkEventDelivered(ctx, eventID, d.now()); err != nil {
			return fmt.Errorf("notify: mark delivered: %w", err)
		}
		d.Logger.Info().
			Str("event_id", eventID).
			Str("type", string(entry.Event.Type)).
			Int("status", status).
			Float64("duration_ms", obs.DurationMillis(time.Since(start))).
			Msg("event_delivered")
		return nil
	}

	span.RecordError(deliverErr)
	obs.CountEventDelivery("failed")
	if claim != "" {
		_ = d.Replay.Release(context.WithoutCancel(ctx), eventID, claim)
	}
	if err := d.Outbox.MarkEventFailed(ctx, eventID, deliverErr.Error()); err != nil {
		deliverErr = errors.Join(deliverErr, fmt.Errorf("mark failed: %w", err))
	}
	d.Logger.Warn().Err(deliverErr).
		Str("event_id", eventID).
		Int("attempt", entry.Attempts+1).
		Int("status", status).
		Msg("event_delivery_failed")
	return deliverErr
}

func (d *Dispatcher) deliver(ctx context.Context, ev payment.Event) (int, error) {
	if d.HTTP.Client == nil {
		d.HTTP.Client = HttpClient(5000, false)
	}
	if err := validateURL(d.URL); err != nil {
		return 0, errors.Join(err, ErrPermanent)
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = d.now()
	}
	body, err := json.Marshal(callbackPayload{
		EventID:    ev.ID,
		Topic:      string(ev.Type),
		Data:       ev,
		OccurredAt: occurred.UTC(),
	})
	if err != nil {
		return 0, errors.Join(err, ErrPermanent)
	}
	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hostpay-events/1.0")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Event-Type", string(ev.Type))
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", ev.ID)
	req.Header.Set("X-Signature", ComputeSignature(d.Secret, ts, ev.ID, body))

	resp, err := d.HTTP.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	err = fmt.Errorf("notify: callback returned status %d", resp.StatusCode)
	if resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		err = errors.Join(err, ErrPermanent)
	}
	return resp.StatusCode, err
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("callback url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http callback only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("callback url must include host")
	}
	return nil
}

// ComputeSignature calculates the callback signature for the provided payload.
// The format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the shared secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HttpClient returns an HTTP client configured for callback delivery.
func HttpClient(timeoutMs int, insecure bool) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = insecureTLSConfig
	}
	return &http.Client{
		Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		Transport: otelhttp.NewTransport(transport),
	}
}

var insecureTLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Claim(ctx context.Context, eventID string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, eventID, token string) error
}
