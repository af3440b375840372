// Package gwerrors defines the gateway's error taxonomy. Every rejection a
// client can observe carries a stable code, a human-readable message and the
// HTTP status it is surfaced with.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a class of gateway error.
type Code string

const (
	CodeRouteNotFound       Code = "ROUTE_NOT_FOUND"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
	CodeBackendTimeout      Code = "BACKEND_TIMEOUT"
	CodeBackendUnreachable  Code = "BACKEND_UNREACHABLE"
	CodeIdentityUnavailable Code = "UPSTREAM_IDENTITY_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL"
)

// GatewayError is the error type every request gate produces. Details are
// attached for logging only and are never written to clients.
type GatewayError struct {
	Code       Code
	Message    string
	HTTPStatus int
	// RetryAfter, when non-zero, is surfaced as a Retry-After header.
	RetryAfter time.Duration
	Details    map[string]any
	cause      error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// WithDetails attaches a key/value pair for structured logging.
func (e *GatewayError) WithDetails(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// RouteNotFound reports that no configured route matches the request.
func RouteNotFound(method, path string) *GatewayError {
	return &GatewayError{
		Code:       CodeRouteNotFound,
		Message:    "no route matches the requested path",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"method": method, "path": path},
	}
}

// RateLimited reports that admission control rejected the request.
func RateLimited(retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded, retry later",
		HTTPStatus: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// Unauthorized reports a missing, malformed or rejected credential.
func Unauthorized(msg string) *GatewayError {
	if msg == "" {
		msg = "authentication required"
	}
	return &GatewayError{
		Code:       CodeUnauthorized,
		Message:    msg,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// IdentityUnavailable reports that the identity service could not be reached.
// The gateway fails closed, so the client-visible status matches Unauthorized.
func IdentityUnavailable(cause error) *GatewayError {
	return &GatewayError{
		Code:       CodeIdentityUnavailable,
		Message:    "authentication could not be completed",
		HTTPStatus: http.StatusUnauthorized,
		cause:      cause,
	}
}

// CircuitOpen reports that the target backend's breaker is rejecting traffic.
func CircuitOpen(backend string) *GatewayError {
	return &GatewayError{
		Code:       CodeCircuitOpen,
		Message:    "service temporarily unavailable, circuit open",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"backend": backend},
	}
}

// BackendTimeout reports that the backend did not answer within its budget.
func BackendTimeout(backend string, cause error) *GatewayError {
	return &GatewayError{
		Code:       CodeBackendTimeout,
		Message:    "upstream service timed out",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"backend": backend},
		cause:      cause,
	}
}

// BackendUnreachable reports a connection-level failure talking to a backend.
func BackendUnreachable(backend string, cause error) *GatewayError {
	return &GatewayError{
		Code:       CodeBackendUnreachable,
		Message:    "upstream service unreachable",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"backend": backend},
		cause:      cause,
	}
}

// Internal wraps an unexpected failure. The cause stays in the logs.
func Internal(msg string, cause error) *GatewayError {
	if msg == "" {
		msg = "internal gateway error"
	}
	return &GatewayError{
		Code:       CodeInternal,
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
		cause:      cause,
	}
}

// FromError extracts a *GatewayError from err, or wraps err as Internal.
func FromError(err error) *GatewayError {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr
	}
	return Internal("", err)
}
