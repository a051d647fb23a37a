// Package errors defines unified error types for gateway admission decisions.
// Rate-limit, credit, identity, and infrastructure failures are all mapped to
// these standard error types so callers can apply policy without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// GateError represents a standardized admission error.
// It contains all necessary information for error handling, logging, and client response.
type GateError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Resource   string `json:"resource"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *GateError) Error() string {
	return fmt.Sprintf("[%s] %s (resource=%s, code=%d)",
		e.Type, e.Message, e.Resource, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GateError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeRateLimit           = "rate_limit_error"
	TypeInsufficientCredits = "insufficient_credits"
	TypeLedgerUnavailable   = "ledger_unavailable"
	TypeStoreUnavailable    = "store_unavailable"
	TypeIdentityNotFound    = "identity_not_found"
	TypeInvalidRequest      = "invalid_request_error"
	TypeInternalError       = "internal_error"
)

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(resource, message string) *GateError {
	return &GateError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Resource:   resource,
		Retryable:  true,
	}
}

// NewInsufficientCreditsError creates a credit exhaustion error (402).
// Callers must treat this as a definitive deny, not a retryable condition.
func NewInsufficientCreditsError(resource, message string) *GateError {
	return &GateError{
		StatusCode: http.StatusPaymentRequired,
		Message:    message,
		Type:       TypeInsufficientCredits,
		Resource:   resource,
		Retryable:  false,
	}
}

// NewLedgerUnavailableError creates a retryable billing-ledger failure (503).
func NewLedgerUnavailableError(resource, message string) *GateError {
	return &GateError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeLedgerUnavailable,
		Resource:   resource,
		Retryable:  true,
	}
}

// NewStoreUnavailableError creates a retryable persistence failure (503).
func NewStoreUnavailableError(resource, message string) *GateError {
	return &GateError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeStoreUnavailable,
		Resource:   resource,
		Retryable:  true,
	}
}

// NewIdentityNotFoundError creates an authentication error (401).
func NewIdentityNotFoundError(resource, message string) *GateError {
	return &GateError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeIdentityNotFound,
		Resource:   resource,
		Retryable:  false,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(resource, message string) *GateError {
	return &GateError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Resource:   resource,
		Retryable:  false,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(resource, message string) *GateError {
	return &GateError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Resource:   resource,
		Retryable:  false,
	}
}

// IsType reports whether err is a *GateError of the given type.
func IsType(err error, errType string) bool {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Type == errType
	}
	return false
}

// IsRetryable reports whether err is a retryable *GateError.
// Non-GateError values are treated as non-retryable.
func IsRetryable(err error) bool {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
