package services

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable external error codes. Callers at the HTTP boundary see these codes,
// never raw infrastructure errors.
const (
	CodeInsufficientFunds       = "INSUFFICIENT_FUNDS"
	CodeAccessDenied            = "ACCESS_DENIED"
	CodeTransactionIntegrity    = "TRANSACTION_INTEGRITY_VIOLATION"
	CodeGatewayUnavailable      = "GATEWAY_UNAVAILABLE"
	CodeWebhookSignatureInvalid = "WEBHOOK_SIGNATURE_INVALID"
	CodeLockTimeout             = "LOCK_TIMEOUT"
	CodeDuplicatePayment        = "DUPLICATE_PAYMENT"
	CodeNotFound                = "NOT_FOUND"
)

// BusinessError is a typed business failure carrying a stable code.
type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func newBusinessError(code, format string, args ...interface{}) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrInsufficientFunds builds a balance/ceiling violation error.
func ErrInsufficientFunds(format string, args ...interface{}) *BusinessError {
	return newBusinessError(CodeInsufficientFunds, format, args...)
}

// ErrAccessDenied builds an authorization error.
func ErrAccessDenied(format string, args ...interface{}) *BusinessError {
	return newBusinessError(CodeAccessDenied, format, args...)
}

// ErrTransactionIntegrity marks a programmer error in ledger usage. It is
// fatal for the operation and never retried.
func ErrTransactionIntegrity(format string, args ...interface{}) *BusinessError {
	return newBusinessError(CodeTransactionIntegrity, format, args...)
}

// ErrGatewayUnavailable wraps a provider failure or an open circuit. The
// caller may retry later.
func ErrGatewayUnavailable(err error) *BusinessError {
	return &BusinessError{Code: CodeGatewayUnavailable, Message: "payment gateway unavailable", Err: err}
}

// ErrWebhookSignatureInvalid marks a rejected webhook delivery.
func ErrWebhookSignatureInvalid(provider string) *BusinessError {
	return newBusinessError(CodeWebhookSignatureInvalid, "invalid webhook signature for provider %s", provider)
}

// ErrLockTimeout wraps a lock-contention failure after retries are exhausted.
func ErrLockTimeout(err error) *BusinessError {
	return &BusinessError{Code: CodeLockTimeout, Message: "wallet lock contention, retries exhausted", Err: err}
}

// HasCode reports whether err is a BusinessError with the given code.
func HasCode(err error, code string) bool {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// httpStatusForError maps a business error to an HTTP status. Anything not
// typed is an internal error.
func httpStatusForError(err error) int {
	var be *BusinessError
	if !errors.As(err, &be) {
		return http.StatusInternalServerError
	}
	switch be.Code {
	case CodeInsufficientFunds, CodeDuplicatePayment:
		return http.StatusUnprocessableEntity
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeWebhookSignatureInvalid:
		return http.StatusUnauthorized
	case CodeGatewayUnavailable, CodeLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
