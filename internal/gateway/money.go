package gateway

import (
	"crypto/hmac"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies settle in whole units on every provider we talk to.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "CLP": true, "HUF": true, "TWD": true, "PYG": true, "VND": true,
}

// formatAmount renders amount with the currency's minor-unit precision.
func formatAmount(amount decimal.Decimal, currency string) string {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return amount.Round(0).StringFixed(0)
	}
	return amount.StringFixed(2)
}

// parseAmount parses a provider amount string. Empty input yields nil.
func parseAmount(value string) (*decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func amountPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func signHex(newHash func() hash.Hash, secret string, payload []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// validSignature compares a provided hex signature in constant time.
func validSignature(expected, provided string) bool {
	provided = strings.ToLower(strings.TrimSpace(provided))
	if expected == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(provided))
}
