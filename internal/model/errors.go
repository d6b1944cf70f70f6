package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind enumerates the failures the orchestrators surface to callers.
type ErrorKind string

const (
	// ErrorKindInvalidRequest is a caller error (bad package name or count).
	ErrorKindInvalidRequest ErrorKind = "INVALID_REQUEST"
	// ErrorKindPackageNotFound is the upstream's definitive "no such package".
	ErrorKindPackageNotFound ErrorKind = "PACKAGE_NOT_FOUND"
	// ErrorKindUpstreamUnavailable is a transient provider failure with no
	// stale data to fall back to.
	ErrorKindUpstreamUnavailable ErrorKind = "UPSTREAM_UNAVAILABLE"
)

// TrafficError is the typed error returned by the traffic and compare
// orchestrators. Callers inspect it with errors.As.
type TrafficError struct {
	Kind    ErrorKind
	Message string
	// UpstreamStatus is the HTTP status last returned by the provider, or 0
	// when unknown (network failure, timeout, open circuit).
	UpstreamStatus int
	Cause          error
}

// Error implements error.
func (e *TrafficError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *TrafficError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error kind onto the HTTP status an API layer returns.
func (e *TrafficError) HTTPStatus() int {
	switch e.Kind {
	case ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case ErrorKindPackageNotFound:
		return http.StatusNotFound
	case ErrorKindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewInvalidRequest builds an INVALID_REQUEST error.
func NewInvalidRequest(format string, args ...any) *TrafficError {
	return &TrafficError{
		Kind:    ErrorKindInvalidRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewPackageNotFound builds a PACKAGE_NOT_FOUND error for the given package.
func NewPackageNotFound(packageName string, cause error) *TrafficError {
	return &TrafficError{
		Kind:           ErrorKindPackageNotFound,
		Message:        fmt.Sprintf("package %q not found", packageName),
		UpstreamStatus: http.StatusNotFound,
		Cause:          cause,
	}
}

// NewUpstreamUnavailable builds an UPSTREAM_UNAVAILABLE error.
func NewUpstreamUnavailable(packageName string, upstreamStatus int, cause error) *TrafficError {
	return &TrafficError{
		Kind:           ErrorKindUpstreamUnavailable,
		Message:        fmt.Sprintf("downloads for %q are temporarily unavailable", packageName),
		UpstreamStatus: upstreamStatus,
		Cause:          cause,
	}
}

// KindOf returns the ErrorKind of err, or "" when err is not a TrafficError.
func KindOf(err error) ErrorKind {
	var trafficError *TrafficError
	if errors.As(err, &trafficError) {
		return trafficError.Kind
	}
	return ""
}
