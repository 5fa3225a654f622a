package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/hostpay/internal/common"
)

// Middleware guards admin routes with bearer token verification.
type Middleware struct {
	Verifier *Verifier
}

// RequireAdmin rejects requests without a valid admin token and stores the
// token subject on the request context for audit fields.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Verifier == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "admin authentication not configured", nil)
			return
		}
		token := bearerToken(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		subject, err := m.Verifier.ParseToken(token)
		if err != nil {
			common.WriteError(w, err, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithSubject(r.Context(), subject)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
