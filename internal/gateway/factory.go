package gateway

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/hostpay/internal/payment"
)

// Credential keys understood by Build.
const (
	CredClientID        = "client_id"
	CredClientSecret    = "client_secret"
	CredWebhookID       = "webhook_id"
	CredAccessToken     = "access_token"
	CredWebhookSecret   = "webhook_secret"
	CredAPIKey          = "api_key"
	CredIPNSecret       = "ipn_secret"
	CredSecretKey       = "secret_key"
	CredFeedSecret      = "feed_secret"
	CredReferencePrefix = "reference_prefix"
	CredTolerance       = "tolerance"
	CredBaseURL         = "base_url"
)

// Factory turns persisted gateway configs into live adapters.
type Factory struct {
	Deps     Deps
	Accounts BankAccountLister
	// PublicURL is the externally reachable API origin used to build
	// provider callback URLs.
	PublicURL           string
	CryptoTTL           time.Duration
	CryptoTolerance     decimal.Decimal
	BankTTL             time.Duration
	BankReferencePrefix string
	// AllowUnverified lists gateways whose webhooks are accepted without a
	// verification secret. Deps.AllowUnverified applies to every gateway.
	AllowUnverified []payment.Gateway
}

// Build returns the adapter described by cfg.
func (f Factory) Build(cfg payment.GatewayConfig) (Adapter, error) {
	variant := payment.NormaliseVariant(cfg.Gateway, cfg.Variant)
	deps := f.depsFor(cfg.Gateway)
	switch cfg.Gateway {
	case payment.GatewayCardWallet:
		if cfg.Credential(CredClientID) == "" || cfg.Credential(CredClientSecret) == "" {
			return nil, fmt.Errorf("gateway: card_wallet needs %s and %s", CredClientID, CredClientSecret)
		}
		return NewPayPal(PayPalConfig{
			ClientID:     cfg.Credential(CredClientID),
			ClientSecret: cfg.Credential(CredClientSecret),
			WebhookID:    cfg.Credential(CredWebhookID),
			Sandbox:      cfg.Sandbox,
			BaseURL:      cfg.Credential(CredBaseURL),
		}, deps), nil

	case payment.GatewayCountryBank:
		if _, ok := Country(variant); !ok {
			return nil, &payment.NotConfiguredError{Gateway: cfg.Gateway, Variant: variant}
		}
		if cfg.Credential(CredAccessToken) == "" {
			return nil, fmt.Errorf("gateway: country_bank %s needs %s", variant, CredAccessToken)
		}
		return NewMercadoPago(MercadoPagoConfig{
			Country:         variant,
			AccessToken:     cfg.Credential(CredAccessToken),
			WebhookSecret:   cfg.Credential(CredWebhookSecret),
			Sandbox:         cfg.Sandbox,
			NotificationURL: f.callbackURL(cfg.Gateway, variant),
		}, deps)

	case payment.GatewayCrypto:
		crypto := CryptoConfig{
			APIKey:      cfg.Credential(CredAPIKey),
			BaseURL:     cfg.Credential(CredBaseURL),
			CallbackURL: f.callbackURL(cfg.Gateway, variant),
			TTL:         f.CryptoTTL,
			Tolerance:   f.CryptoTolerance,
		}
		if raw := cfg.Credential(CredTolerance); raw != "" {
			tol, err := decimal.NewFromString(raw)
			if err != nil || tol.IsNegative() || tol.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				return nil, fmt.Errorf("gateway: crypto %s tolerance %q must be a fraction in [0,1)", variant, raw)
			}
			crypto.Tolerance = tol
		}
		switch variant {
		case ProcessorNOWPayments:
			crypto.Secret = cfg.Credential(CredIPNSecret)
			if crypto.APIKey == "" {
				return nil, fmt.Errorf("gateway: nowpayments needs %s", CredAPIKey)
			}
			return NewNOWPayments(crypto, deps), nil
		case ProcessorCoinbase:
			crypto.Secret = cfg.Credential(CredWebhookSecret)
			if crypto.APIKey == "" {
				return nil, fmt.Errorf("gateway: coinbase needs %s", CredAPIKey)
			}
			return NewCoinbase(crypto, deps), nil
		case ProcessorPlisio:
			crypto.APIKey = firstNonEmpty(cfg.Credential(CredSecretKey), crypto.APIKey)
			if crypto.APIKey == "" {
				return nil, fmt.Errorf("gateway: plisio needs %s", CredSecretKey)
			}
			return NewPlisio(crypto, deps), nil
		default:
			return nil, &payment.NotConfiguredError{Gateway: cfg.Gateway, Variant: variant}
		}

	case payment.GatewayManualBankTransfer:
		if f.Accounts == nil {
			return nil, fmt.Errorf("gateway: manual_bank_transfer needs a bank account source")
		}
		return NewBankTransfer(BankTransferConfig{
			ReferencePrefix: firstNonEmpty(cfg.Credential(CredReferencePrefix), f.BankReferencePrefix),
			TTL:             f.BankTTL,
			FeedSecret:      cfg.Credential(CredFeedSecret),
		}, f.Accounts, deps), nil
	}
	return nil, &payment.NotConfiguredError{Gateway: cfg.Gateway, Variant: variant}
}

func (f Factory) depsFor(g payment.Gateway) Deps {
	deps := f.Deps
	if slices.Contains(f.AllowUnverified, g) {
		deps.AllowUnverified = true
	}
	return deps
}

func (f Factory) callbackURL(g payment.Gateway, variant string) string {
	base := strings.TrimRight(strings.TrimSpace(f.PublicURL), "/")
	if base == "" {
		return ""
	}
	u := base + "/api/v1/webhooks/payment/" + string(g)
	if variant != "" {
		u += "/" + variant
	}
	return u
}
