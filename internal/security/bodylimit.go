package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/hostpay/internal/common"
)

// DefaultMaxBody caps request payloads when BodyLimit.Max is unset.
const DefaultMaxBody int64 = 1 << 20

// BodyLimit enforces a maximum request payload size. The body is buffered so
// handlers that verify signatures over raw bytes still see the exact payload.
type BodyLimit struct {
	Max int64
}

// Middleware rejects oversized requests with 413 PAYLOAD_TOO_LARGE.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	limit := b.Max
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > limit {
			tooLarge(w)
			return
		}

		buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		_ = r.Body.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read request body", nil)
			return
		}
		if int64(len(buf)) > limit {
			tooLarge(w)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large", nil)
}
