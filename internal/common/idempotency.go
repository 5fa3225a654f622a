package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader carries the client-chosen key on write requests.
const IdempotencyHeader = "Idempotency-Key"

// Idem provides an Idempotency-Key middleware backed by Redis. The first
// request for a key runs the handler and records its response; later requests
// with the same key and body receive the recorded response without re-running
// it. Reusing a key with a different body is rejected. A nil client disables
// the middleware.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
	Fingerprint string `json:"fingerprint"`
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

// Middleware enforces idempotency semantics for write endpoints. Responses
// with a 5xx status are not recorded so the client may retry with the same key.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		fingerprint, err := bodyFingerprint(r)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read request body", nil)
			return
		}

		ctx := r.Context()
		key := "idem:" + sha256Hex(r.Method+" "+r.URL.Path+" "+header)
		if i.replay(ctx, w, key, fingerprint) {
			return
		}
		ok, err := i.R.SetNX(ctx, key+":lock", fingerprint, i.ttl()).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store error", nil)
			return
		}
		if !ok {
			if i.replay(ctx, w, key, fingerprint) {
				return
			}
			JSONError(w, http.StatusConflict, "IDEMPOTENT_IN_PROGRESS", "a request with this idempotency key is in progress", nil)
			return
		}

		rec := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The request context may already be cancelled once the client has
		// its response; the bookkeeping below must still run.
		bg := context.WithoutCancel(ctx)
		if rec.status >= http.StatusInternalServerError {
			_ = i.R.Del(bg, key+":lock").Err()
			return
		}
		encoded, err := json.Marshal(storedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.buf.Bytes(),
			Fingerprint: fingerprint,
		})
		if err == nil {
			_ = i.R.Set(bg, key, encoded, i.ttl()).Err()
		}
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key, fingerprint string) bool {
	raw, err := i.R.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false
	}
	if stored.Fingerprint != "" && stored.Fingerprint != fingerprint {
		JSONError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used with a different request body", nil)
		return true
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
	return true
}

// bodyFingerprint hashes the request body and restores it for the handler.
func bodyFingerprint(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return sha256Hex(""), nil
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return sha256Hex(string(body)), nil
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (b *bodyRecorder) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	b.buf.Write(p)
	return b.ResponseWriter.Write(p)
}
