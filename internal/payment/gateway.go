// Package payment holds the gateway-agnostic payment domain: gateways,
// lifecycle statuses, the persisted Payment record, confirmation signals and
// the error taxonomy shared by adapters, the orchestrator and reconciliation.
package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Gateway identifies which adapter variant services a payment.
type Gateway string

const (
	GatewayCardWallet         Gateway = "card_wallet"
	GatewayCountryBank        Gateway = "country_bank"
	GatewayCrypto             Gateway = "crypto"
	GatewayManualBankTransfer Gateway = "manual_bank_transfer"
)

// Gateways returns every supported gateway in a stable order.
func Gateways() []Gateway {
	return []Gateway{GatewayCardWallet, GatewayCountryBank, GatewayCrypto, GatewayManualBankTransfer}
}

// ParseGateway normalises and validates a gateway name.
func ParseGateway(value string) (Gateway, error) {
	g := Gateway(strings.ToLower(strings.TrimSpace(value)))
	switch g {
	case GatewayCardWallet, GatewayCountryBank, GatewayCrypto, GatewayManualBankTransfer:
		return g, nil
	default:
		return "", &ValidationError{Field: "gateway", Message: fmt.Sprintf("unsupported gateway %q", value)}
	}
}

// RequiresVariant reports whether requests for the gateway must carry a variant.
func (g Gateway) RequiresVariant() bool {
	return g == GatewayCountryBank || g == GatewayCrypto
}

// AmountTolerance returns the default relative tolerance applied when
// comparing a claimed amount to the expected one. Card and bank rails settle
// exact amounts.
func (g Gateway) AmountTolerance() decimal.Decimal {
	if g == GatewayCrypto {
		return DefaultCryptoTolerance
	}
	return decimal.Zero
}

// DefaultCryptoTolerance allows 5% exchange-rate slippage either way.
var DefaultCryptoTolerance = decimal.New(5, -2)

// Expires reports whether payments on this gateway always carry an expiry.
func (g Gateway) Expires() bool {
	return g == GatewayCrypto || g == GatewayManualBankTransfer
}

// NormaliseVariant canonicalises a registry variant for the gateway: country
// codes are upper-cased, crypto provider names lower-cased and other gateways
// have no variant dimension.
func NormaliseVariant(g Gateway, variant string) string {
	v := strings.TrimSpace(variant)
	switch g {
	case GatewayCountryBank:
		return strings.ToUpper(v)
	case GatewayCrypto:
		return strings.ToLower(v)
	default:
		return ""
	}
}

func (g Gateway) String() string { return string(g) }
