package payment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateSignal marks the idempotent no-op path. It is not a failure.
	ErrDuplicateSignal = errors.New("payment: duplicate signal")
	// ErrPaymentNotFound is returned when no payment has the requested id.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrInvalidTransition is returned for an illegal status edge.
	ErrInvalidTransition = errors.New("payment: invalid status transition")
	// ErrSignatureInvalid is returned when webhook authenticity checks fail.
	ErrSignatureInvalid = errors.New("payment: invalid webhook signature")
	// ErrUnverifiedWebhook is returned when a gateway has no verification
	// secret and unverified delivery is not explicitly allowed.
	ErrUnverifiedWebhook = errors.New("payment: webhook verification not configured")
	// ErrIgnoredEvent marks provider notifications that carry no payment outcome.
	ErrIgnoredEvent = errors.New("payment: event ignored")
	// ErrMalformedSignal is returned for payloads that cannot form a signal.
	ErrMalformedSignal = errors.New("payment: malformed signal")
)

// ValidationError reports a malformed or incomplete request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotConfiguredError reports a gateway or variant without a live adapter.
type NotConfiguredError struct {
	Gateway Gateway
	Variant string
}

func (e *NotConfiguredError) Error() string {
	if e.Variant == "" {
		return fmt.Sprintf("gateway %s is not configured", e.Gateway)
	}
	return fmt.Sprintf("gateway %s is not configured for region %s", e.Gateway, e.Variant)
}

// GatewayError is a normalised upstream provider failure.
type GatewayError struct {
	Gateway    Gateway
	Code       string
	Message    string
	Retryable  bool
	HTTPStatus int
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("gateway %s: %s: %s", e.Gateway, e.Code, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError classifies an upstream HTTP status: 5xx and 429 are
// retryable, other 4xx are not.
func NewGatewayError(g Gateway, status int, code, message string) *GatewayError {
	retryable := status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	return &GatewayError{Gateway: g, Code: code, Message: message, Retryable: retryable, HTTPStatus: status}
}

// AmountMismatchError is the reconciliation fraud/consistency guard.
type AmountMismatchError struct {
	PaymentID        string
	ExpectedAmount   decimal.Decimal
	ExpectedCurrency string
	ClaimedAmount    decimal.Decimal
	ClaimedCurrency  string
	Tolerance        decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment %s: claimed %s %s, expected %s %s (tolerance %s)",
		e.PaymentID, e.ClaimedAmount.String(), e.ClaimedCurrency, e.ExpectedAmount.String(), e.ExpectedCurrency, e.Tolerance.String())
}

// UnmatchedReferenceError reports a signal whose provider reference matches no payment.
type UnmatchedReferenceError struct {
	Gateway   Gateway
	Reference string
}

func (e *UnmatchedReferenceError) Error() string {
	return fmt.Sprintf("no payment matches %s reference %q", e.Gateway, e.Reference)
}

// ErrorCode maps an error onto a stable machine-readable code.
func ErrorCode(err error) string {
	var (
		validation *ValidationError
		notCfg     *NotConfiguredError
		gwErr      *GatewayError
		mismatch   *AmountMismatchError
		unmatched  *UnmatchedReferenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return "VALIDATION_ERROR"
	case errors.As(err, &notCfg):
		return "NOT_CONFIGURED"
	case errors.As(err, &gwErr):
		return "GATEWAY_ERROR"
	case errors.As(err, &mismatch):
		return "AMOUNT_MISMATCH"
	case errors.As(err, &unmatched):
		return "UNMATCHED_REFERENCE"
	case errors.Is(err, ErrDuplicateSignal):
		return "DUPLICATE_SIGNAL"
	case errors.Is(err, ErrPaymentNotFound):
		return "PAYMENT_NOT_FOUND"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrUnverifiedWebhook):
		return "INVALID_SIGNATURE"
	case errors.Is(err, ErrMalformedSignal):
		return "MALFORMED_SIGNAL"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps an error onto the HTTP status used at the API boundary.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case "VALIDATION_ERROR", "MALFORMED_SIGNAL":
		return http.StatusBadRequest
	case "NOT_CONFIGURED":
		return http.StatusUnprocessableEntity
	case "GATEWAY_ERROR":
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case "PAYMENT_NOT_FOUND", "UNMATCHED_REFERENCE":
		return http.StatusNotFound
	case "INVALID_TRANSITION", "AMOUNT_MISMATCH":
		return http.StatusConflict
	case "INVALID_SIGNATURE":
		return http.StatusUnauthorized
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry with a fresh attempt.
func Retryable(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable
}
