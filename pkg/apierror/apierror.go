// Package apierror defines the typed error taxonomy for the Vorion core.
//
// Every error carries a stable machine code, a human message, an optional
// structured detail map, and an HTTP status hint for boundary layers. The
// core never branches on message text; callers inspect codes via CodeOf.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation      Code = "VALIDATION"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeRateLimit       Code = "RATE_LIMIT"
	CodeConfiguration   Code = "CONFIGURATION"
	CodeEncryption      Code = "ENCRYPTION"
	CodeEscalation      Code = "ESCALATION"
	CodeDatabase        Code = "DATABASE"
	CodeExternalService Code = "EXTERNAL_SERVICE"
	CodeTimeout         Code = "TIMEOUT"
	CodeCircuitOpen     Code = "CIRCUIT_BREAKER_OPEN"
)

var httpStatus = map[Code]int{
	CodeValidation:      http.StatusBadRequest,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeRateLimit:       http.StatusTooManyRequests,
	CodeConfiguration:   http.StatusInternalServerError,
	CodeEncryption:      http.StatusInternalServerError,
	CodeEscalation:      http.StatusInternalServerError,
	CodeDatabase:        http.StatusInternalServerError,
	CodeExternalService: http.StatusBadGateway,
	CodeTimeout:         http.StatusGatewayTimeout,
	CodeCircuitOpen:     http.StatusServiceUnavailable,
}

// Error is the canonical error type crossing component boundaries.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter time.Duration // set for RATE_LIMIT only
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status hint for boundary layers.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetail attaches a structured detail field and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code wrapping a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func Validation(format string, args ...any) *Error { return New(CodeValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return New(CodeNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return New(CodeConflict, format, args...) }
func Forbidden(format string, args ...any) *Error  { return New(CodeForbidden, format, args...) }

func Configuration(format string, args ...any) *Error {
	return New(CodeConfiguration, format, args...)
}

func Encryption(cause error, format string, args ...any) *Error {
	return Wrap(CodeEncryption, cause, format, args...)
}

func Database(cause error, format string, args ...any) *Error {
	return Wrap(CodeDatabase, cause, format, args...)
}

func ExternalService(cause error, format string, args ...any) *Error {
	return Wrap(CodeExternalService, cause, format, args...)
}

// Timeout reports that the named operation exceeded its deadline.
func Timeout(operation string) *Error {
	return New(CodeTimeout, "operation %q timed out", operation).WithDetail("operation", operation)
}

// CircuitOpen reports that the breaker for the named service is open.
func CircuitOpen(service string) *Error {
	return New(CodeCircuitOpen, "circuit breaker open for service %q", service).WithDetail("service", service)
}

// RateLimited reports a rate-limit rejection with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	e := New(CodeRateLimit, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// CodeOf extracts the code from an error chain. Errors that do not carry a
// taxonomy code return the empty code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatusOf returns the HTTP status hint for an error chain.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool { return CodeOf(err) == code }
