package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResultKind distinguishes the synchronicity model of an initiated payment.
type ResultKind string

const (
	// KindRedirect sends the browser to an external page; confirmation
	// arrives later by webhook or return callback.
	KindRedirect ResultKind = "redirect"
	// KindAddress shows a payment address; confirmation arrives by webhook
	// or polling.
	KindAddress ResultKind = "address"
	// KindReference shows bank details and a reference code; confirmation is
	// manual or fed by a reconciliation feed.
	KindReference ResultKind = "reference"
)

// InitiateResult is what an adapter returns after opening a payment upstream.
// Exactly one of Redirect, Address or Reference is set, matching Kind.
type InitiateResult struct {
	Kind              ResultKind
	ProviderReference string
	Redirect          *RedirectData
	Address           *AddressData
	Reference         *ReferenceData
	ExpiresAt         *time.Time
	// Tolerance overrides the gateway default amount tolerance when set.
	Tolerance *decimal.Decimal
}

// RedirectData carries the external approval or checkout page.
type RedirectData struct {
	URL string `json:"redirectUrl"`
}

// AddressData carries what a customer needs to pay a crypto charge.
type AddressData struct {
	PayAddress  string          `json:"payAddress"`
	PayAmount   decimal.Decimal `json:"payAmount"`
	PayCurrency string          `json:"payCurrency"`
	QRCodeURL   string          `json:"qrCodeUrl,omitempty"`
	HostedURL   string          `json:"hostedUrl,omitempty"`
}

// ReferenceData carries bank details for a manual transfer.
type ReferenceData struct {
	BankAccount BankAccount `json:"bankAccount"`
	Reference   string      `json:"reference"`
}

// Data returns the kind-specific payload for presentation.
func (r InitiateResult) Data() any {
	switch r.Kind {
	case KindAddress:
		return r.Address
	case KindReference:
		return r.Reference
	default:
		return nil
	}
}

// RedirectURL returns the redirect target when the result is redirect-kind.
func (r InitiateResult) RedirectURL() string {
	if r.Kind == KindRedirect && r.Redirect != nil {
		return r.Redirect.URL
	}
	return ""
}

// PaymentResult is the normalised outcome of payment creation.
type PaymentResult struct {
	Success     bool       `json:"success"`
	PaymentID   string     `json:"paymentId,omitempty"`
	Gateway     Gateway    `json:"gateway,omitempty"`
	Kind        ResultKind `json:"kind,omitempty"`
	RedirectURL string     `json:"redirectUrl,omitempty"`
	PaymentData any        `json:"paymentData,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Error       error      `json:"-"`
}

// Failed builds an unsuccessful result carrying err.
func Failed(err error) PaymentResult {
	return PaymentResult{Success: false, Error: err}
}

// ProviderStatus is an adapter's answer to a status query.
type ProviderStatus struct {
	Reference string
	Status    ClaimedStatus
	Amount    *decimal.Decimal
	Currency  string
	Raw       []byte
}
