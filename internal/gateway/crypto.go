package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/hostpay/internal/payment"
)

// Crypto processor names, also used as registry variants.
const (
	ProcessorNOWPayments = "nowpayments"
	ProcessorCoinbase    = "coinbase"
	ProcessorPlisio      = "plisio"
)

// CryptoProcessors lists processors in their default preference order.
func CryptoProcessors() []string {
	return []string{ProcessorNOWPayments, ProcessorCoinbase, ProcessorPlisio}
}

// CryptoConfig holds one processor's credentials and charge policy.
type CryptoConfig struct {
	APIKey string
	// Secret verifies callbacks: the IPN secret, webhook shared secret or
	// the API secret key depending on the processor.
	Secret      string
	BaseURL     string
	CallbackURL string
	// TTL is used when the processor does not state an expiry.
	TTL time.Duration
	// Tolerance overrides the default relative amount tolerance.
	Tolerance decimal.Decimal
}

func (c CryptoConfig) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return time.Hour
}

func (c CryptoConfig) tolerance() *decimal.Decimal {
	if c.Tolerance.IsPositive() {
		t := c.Tolerance
		return &t
	}
	t := payment.DefaultCryptoTolerance
	return &t
}

func (c CryptoConfig) callback(req payment.PaymentRequest) string {
	if req.NotifyURL != "" {
		return req.NotifyURL
	}
	return c.CallbackURL
}

// expiry prefers the processor's stated expiry and falls back to now+ttl.
func (c CryptoConfig) expiry(now time.Time, stated string) *time.Time {
	if stated != "" {
		if t, err := time.Parse(time.RFC3339, stated); err == nil {
			t = t.UTC()
			return &t
		}
	}
	t := now.Add(c.ttl())
	return &t
}

// canonicalJSON re-encodes a JSON object with keys sorted at every level,
// numbers kept verbatim and without HTML escaping. drop names top-level keys
// to omit.
func canonicalJSON(body []byte, drop ...string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	for _, key := range drop {
		delete(doc, key)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// fiatEquivalent converts a crypto amount actually paid back into the price
// currency: actuallyPaid / payAmount * priceAmount.
func fiatEquivalent(actuallyPaid, payAmount, priceAmount decimal.Decimal) decimal.Decimal {
	if payAmount.IsZero() {
		return decimal.Zero
	}
	return actuallyPaid.Div(payAmount).Mul(priceAmount).Round(8)
}

func numberDecimal(n string) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// flexNumber accepts a JSON number, a numeric string or null.
type flexNumber string

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexNumber(s)
	return nil
}

func (f flexNumber) String() string { return string(f) }

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
