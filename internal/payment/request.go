package payment

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// PaymentRequest is the gateway-agnostic input to payment creation. It is
// transient and never persisted as-is.
type PaymentRequest struct {
	Gateway        Gateway         `json:"gateway" validate:"required"`
	OrderID        string          `json:"orderId" validate:"required,max=128"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"required,iso4217"`
	Description    string          `json:"description" validate:"max=255"`
	CustomerEmail  string          `json:"customerEmail" validate:"required,email"`
	CustomerName   string          `json:"customerName,omitempty" validate:"max=128"`
	SuccessURL     string          `json:"successUrl" validate:"required,url"`
	CancelURL      string          `json:"cancelUrl" validate:"required,url"`
	NotifyURL      string          `json:"notificationUrl,omitempty" validate:"omitempty,url"`
	GatewayVariant string          `json:"gatewayVariant,omitempty" validate:"max=32"`
	// Region is accepted as an alias of GatewayVariant for manual transfers.
	Region string `json:"bankRegion,omitempty" validate:"max=16"`
	// Provider selects a crypto processor; empty picks the registry default.
	Provider string `json:"provider,omitempty" validate:"max=32"`
	// PlanID switches the card/wallet gateway to its subscription flow.
	PlanID string `json:"planId,omitempty" validate:"max=64"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Normalise trims free-text fields and canonicalises codes in place.
func (r *PaymentRequest) Normalise() {
	r.Gateway = Gateway(normaliseLower(string(r.Gateway)))
	r.OrderID = normaliseSpace(r.OrderID)
	r.Currency = strings.ToUpper(normaliseSpace(r.Currency))
	r.Description = normaliseSpace(r.Description)
	r.CustomerEmail = normaliseSpace(r.CustomerEmail)
	r.CustomerName = normaliseSpace(r.CustomerName)
	r.Provider = normaliseLower(r.Provider)
	r.PlanID = normaliseSpace(r.PlanID)
	switch r.Gateway {
	case GatewayCountryBank:
		r.GatewayVariant = strings.ToUpper(normaliseSpace(r.GatewayVariant))
	case GatewayManualBankTransfer:
		if normaliseSpace(r.GatewayVariant) == "" {
			r.GatewayVariant = r.Region
		}
		r.GatewayVariant = normaliseLower(r.GatewayVariant)
	case GatewayCrypto:
		r.GatewayVariant = normaliseLower(r.GatewayVariant)
	default:
		r.GatewayVariant = normaliseSpace(r.GatewayVariant)
	}
}

// Validate checks the request shape. It returns a *ValidationError describing
// the first offending field.
func (r PaymentRequest) Validate() error {
	if _, err := ParseGateway(string(r.Gateway)); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "amount must be greater than zero"}
	}
	if err := requestValidator().Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Message: "failed " + fe.Tag() + " validation"}
		}
		return &ValidationError{Message: err.Error()}
	}
	if r.Gateway.RequiresVariant() && r.GatewayVariant == "" {
		return &ValidationError{Field: "gatewayVariant", Message: "gatewayVariant is required for " + string(r.Gateway)}
	}
	if r.Gateway == GatewayCountryBank && len(r.GatewayVariant) != 2 {
		return &ValidationError{Field: "gatewayVariant", Message: "gatewayVariant must be an ISO 3166 alpha-2 country code"}
	}
	if r.Gateway == GatewayManualBankTransfer && r.GatewayVariant != "" {
		if _, err := ParseRegion(r.GatewayVariant); err != nil {
			return err
		}
	}
	return nil
}

// BankRegion returns the requested bank region for manual transfers.
func (r PaymentRequest) BankRegion() Region {
	region, err := ParseRegion(r.GatewayVariant)
	if err != nil {
		return RegionOther
	}
	return region
}

func normaliseSpace(value string) string {
	return strings.TrimSpace(value)
}

func normaliseLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
