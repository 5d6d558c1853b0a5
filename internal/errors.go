package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a dataplane failure. Codes are stable strings surfaced
// to consumers in the error envelope.
type Code string

const (
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeConfigNotFound      Code = "CONFIG_NOT_FOUND"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeRequestTooLarge     Code = "REQUEST_TOO_LARGE"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodeSSRFBlocked         Code = "SSRF_BLOCKED"
	CodeUpstreamTimeout     Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
	CodeInternal            Code = "INTERNAL"
)

// statusByCode maps each code to its HTTP response status.
var statusByCode = map[Code]int{
	CodeUnauthenticated:     http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeConfigNotFound:      http.StatusNotFound,
	CodeValidationFailed:    http.StatusBadRequest,
	CodeRequestTooLarge:     http.StatusRequestEntityTooLarge,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeQuotaExceeded:       http.StatusTooManyRequests,
	CodeSSRFBlocked:         http.StatusForbidden,
	CodeUpstreamTimeout:     http.StatusGatewayTimeout,
	CodeUpstreamUnavailable: http.StatusServiceUnavailable,
	CodeCircuitOpen:         http.StatusServiceUnavailable,
	CodeInternal:            http.StatusInternalServerError,
}

// Error is the taxonomized dataplane error. Every failure that reaches the
// consumer is one of these; anything else is wrapped as CodeInternal.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int   // seconds; rendered as Retry-After on 429s
	Err        error // wrapped cause, never shown to consumers
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// E constructs a taxonomized error.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a taxonomized error with a cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// AsError coerces any error into *Error, wrapping unknown errors as INTERNAL
// with a generic message so internal details never leak to consumers.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// ErrNotFound is the repository-level sentinel for a missing record.
var ErrNotFound = errors.New("not found")
