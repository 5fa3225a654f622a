// Package auth verifies the HS256 bearer tokens that guard the admin API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/hostpay/internal/common"
)

// AdminRole is the role claim value admin tokens must carry when a role is
// enforced.
const AdminRole = "payments_admin"

const roleClaim = "role"

// Config configures a Verifier. Empty Issuer, Audience or Role disable the
// matching check.
type Config struct {
	Secret    string
	Issuer    string
	Audience  string
	Role      string
	ClockSkew time.Duration
	Now       func() time.Time
}

// Verifier checks admin bearer tokens signed with a shared HS256 secret.
type Verifier struct {
	cfg    Config
	secret []byte
}

// NewVerifier builds a Verifier. An empty secret is rejected.
func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: admin jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg, secret: []byte(cfg.Secret)}, nil
}

// ParseToken validates token and returns its subject. Failures are
// *common.AppError values rendered as 401.
func (v *Verifier) ParseToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", unauthorized("missing token", nil)
	}
	if err := requireHS256(token); err != nil {
		return "", unauthorized("invalid token", err)
	}
	parsed, err := jwt.ParseString(token, jwt.WithKey(jwa.HS256, v.secret), jwt.WithValidate(false))
	if err != nil {
		return "", unauthorized("invalid token", err)
	}
	if parsed.Subject() == "" {
		return "", unauthorized("invalid token", errors.New("auth: token missing subject"))
	}
	if err := jwt.Validate(parsed, v.validateOptions()...); err != nil {
		return "", unauthorized("invalid token", err)
	}
	return parsed.Subject(), nil
}

func (v *Verifier) validateOptions() []jwt.ValidateOption {
	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.cfg.Now)),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithAcceptableSkew(v.cfg.ClockSkew),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	if v.cfg.Role != "" {
		opts = append(opts, jwt.WithClaimValue(roleClaim, v.cfg.Role))
	}
	return opts
}

// Issue signs a token for subject valid for ttl, 15 minutes by default.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := v.cfg.Now()
	b := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now.Add(-v.cfg.ClockSkew)).
		Expiration(now.Add(ttl))
	if v.cfg.Issuer != "" {
		b = b.Issuer(v.cfg.Issuer)
	}
	if v.cfg.Audience != "" {
		b = b.Audience([]string{v.cfg.Audience})
	}
	if v.cfg.Role != "" {
		b = b.Claim(roleClaim, v.cfg.Role)
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("auth: build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, v.secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return string(signed), nil
}

// requireHS256 rejects anything but a single HS256 signature before the key
// is ever applied.
func requireHS256(token string) error {
	msg, err := jws.ParseString(token)
	if err != nil {
		return err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return fmt.Errorf("auth: expected one signature, got %d", len(sigs))
	}
	hdr := sigs[0].ProtectedHeaders()
	if hdr == nil {
		return errors.New("auth: token missing protected headers")
	}
	if alg := hdr.Algorithm(); alg != jwa.HS256 {
		return fmt.Errorf("auth: unexpected token algorithm %q", alg)
	}
	return nil
}

func unauthorized(message string, err error) error {
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}
