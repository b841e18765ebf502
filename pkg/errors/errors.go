// Package errors defines the gateway error taxonomy.
// Every strategy and router reports failures as a *GatewayError; the dispatcher
// is the only place that turns one into a wire response.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of gateway failure. The string value is used as the
// errcode of the wire response.
type Kind string

// Error kinds.
const (
	KindMalformedRequest    Kind = "MalformedRequest"
	KindUnauthorized        Kind = "Unauthorized"
	KindInvalidSignature    Kind = "InvalidSignature"
	KindRateLimitExceeded   Kind = "RateLimitExceeded"
	KindAssetNotFound       Kind = "AssetNotFound"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindProtocolError       Kind = "ProtocolError"
	KindInternal            Kind = "Internal"
)

// GatewayError is a typed failure produced while processing a request.
type GatewayError struct {
	Kind       Kind   `json:"errcode"`
	Message    string `json:"errmsg"`
	StatusCode int    `json:"-"`
	Retryable  bool   `json:"-"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the status code the error maps to.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Is reports whether target is a GatewayError of the same kind.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithCause returns a copy of e carrying cause.
func (e *GatewayError) WithCause(cause error) *GatewayError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Sentinels usable with errors.Is.
var (
	ErrMalformedRequest    = &GatewayError{Kind: KindMalformedRequest}
	ErrUnauthorized        = &GatewayError{Kind: KindUnauthorized}
	ErrInvalidSignature    = &GatewayError{Kind: KindInvalidSignature}
	ErrRateLimitExceeded   = &GatewayError{Kind: KindRateLimitExceeded}
	ErrAssetNotFound       = &GatewayError{Kind: KindAssetNotFound}
	ErrUpstreamTimeout     = &GatewayError{Kind: KindUpstreamTimeout}
	ErrUpstreamUnavailable = &GatewayError{Kind: KindUpstreamUnavailable}
	ErrProtocolError       = &GatewayError{Kind: KindProtocolError}
)

// NewMalformedRequest creates a missing/invalid parameter error (400).
func NewMalformedRequest(format string, args ...any) *GatewayError {
	return &GatewayError{
		Kind:       KindMalformedRequest,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: http.StatusBadRequest,
	}
}

// NewUnauthorized creates a missing/invalid token error (401).
func NewUnauthorized(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewInvalidSignature creates a signature or timestamp failure (403).
func NewInvalidSignature(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindInvalidSignature,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewRateLimitExceeded creates a quota error (429).
func NewRateLimitExceeded(scope string) *GatewayError {
	return &GatewayError{
		Kind:       KindRateLimitExceeded,
		Message:    "rate limit exceeded for " + scope,
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

// NewAssetNotFound creates an unroutable request error (404).
func NewAssetNotFound(method, version string) *GatewayError {
	return &GatewayError{
		Kind:       KindAssetNotFound,
		Message:    fmt.Sprintf("no asset registered for method %q version %q", method, version),
		StatusCode: http.StatusNotFound,
	}
}

// NewUnroutable creates the error returned when no router serves the asset's
// mode under the request prefix (404).
func NewUnroutable(prefix, mode string) *GatewayError {
	return &GatewayError{
		Kind:       KindAssetNotFound,
		Message:    fmt.Sprintf("no router for mode %q under %q", mode, prefix),
		StatusCode: http.StatusNotFound,
	}
}

// NewUnknownPath creates an error for a path outside every router prefix (404).
func NewUnknownPath(path string) *GatewayError {
	return &GatewayError{
		Kind:       KindAssetNotFound,
		Message:    fmt.Sprintf("no route for path %q", path),
		StatusCode: http.StatusNotFound,
	}
}

// NewUpstreamTimeout creates a deadline exceeded error (504).
func NewUpstreamTimeout(target string) *GatewayError {
	return &GatewayError{
		Kind:       KindUpstreamTimeout,
		Message:    "upstream timed out: " + target,
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
	}
}

// NewUpstreamUnavailable creates a transport failure error (502).
func NewUpstreamUnavailable(target string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindUpstreamUnavailable,
		Message:    "upstream unavailable: " + target,
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewNoReplica creates the error returned when every replica is cooling down (503).
func NewNoReplica(method string) *GatewayError {
	return &GatewayError{
		Kind:       KindUpstreamUnavailable,
		Message:    "no available replica for " + method,
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewProtocolError creates a malformed upstream response error (502).
func NewProtocolError(message string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindProtocolError,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// NewInternal creates an unexpected gateway failure (500).
func NewInternal(message string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// From converts any error into a *GatewayError. Context deadline errors map to
// UpstreamTimeout; anything else unknown becomes Internal.
func From(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewUpstreamTimeout("deadline exceeded").WithCause(err)
	}
	return NewInternal("internal error", err)
}

// KindOf returns the kind of err, or an empty Kind when err is nil.
func KindOf(err error) Kind {
	if ge := From(err); ge != nil {
		return ge.Kind
	}
	return ""
}

// IsCooldownRequired reports whether an upstream status code should take a
// replica out of rotation for a while. Only throttling and server-side
// failures qualify; other 4xx are caller mistakes.
func IsCooldownRequired(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500
}
