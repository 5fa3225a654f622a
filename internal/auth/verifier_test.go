package auth_test

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/auth"
	"github.com/noah-isme/hostpay/internal/common"
)

func sign(t *testing.T, b *jwt.Builder) string {
	t.Helper()
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("admin-secret")))
	require.NoError(t, err)
	return string(signed)
}

func baseClaims() *jwt.Builder {
	return jwt.NewBuilder().
		Subject("ops@example.com").
		Issuer("hostpay").
		Audience([]string{"hostpay-admin"}).
		Claim("role", auth.AdminRole).
		IssuedAt(issuedAt).
		Expiration(issuedAt.Add(time.Minute))
}

func TestParseTokenClaims(t *testing.T) {
	v := newVerifier(t, issuedAt)

	sub, err := v.ParseToken(sign(t, baseClaims()))
	require.NoError(t, err)
	require.Equal(t, "ops@example.com", sub)

	cases := map[string]*jwt.Builder{
		"wrong issuer":    baseClaims().Issuer("someone-else"),
		"wrong audience":  baseClaims().Audience([]string{"storefront"}),
		"wrong role":      baseClaims().Claim("role", "viewer"),
		"missing subject": baseClaims().Subject(""),
		"not yet valid":   baseClaims().NotBefore(issuedAt.Add(5 * time.Minute)),
		"missing expiry":  jwt.NewBuilder().Subject("ops@example.com").Issuer("hostpay").Audience([]string{"hostpay-admin"}).Claim("role", auth.AdminRole),
		"expired":         baseClaims().Expiration(issuedAt.Add(-time.Minute)),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.ParseToken(sign(t, b))
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, 401, appErr.HTTPStatus)
		})
	}
}

func TestIssueDefaultsTTL(t *testing.T) {
	v := newVerifier(t, issuedAt)
	token, err := v.Issue("ops@example.com", 0)
	require.NoError(t, err)

	later := newVerifier(t, issuedAt.Add(14*time.Minute))
	_, err = later.ParseToken(token)
	require.NoError(t, err)

	expired := newVerifier(t, issuedAt.Add(16*time.Minute))
	_, err = expired.ParseToken(token)
	require.Error(t, err)
}
