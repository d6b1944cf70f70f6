package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

// ErrCircuitOpen is returned (wrapped in a StatusError) while the circuit
// breaker rejects calls.
var ErrCircuitOpen = errors.New("downloads API circuit breaker is open")

// NotFoundError reports the upstream's definitive 404 for a package. It is
// never retried.
type NotFoundError struct {
	Package string
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("package %q not found upstream", e.Package)
}

// StatusError reports any other failed call. Status is the last HTTP status
// received, or 0 when no response arrived (network error, timeout, open
// circuit).
type StatusError struct {
	Status      int
	BodySnippet string
	Cause       error
}

// Error implements error.
func (e *StatusError) Error() string {
	switch {
	case e.Status != 0 && e.Cause != nil:
		return fmt.Sprintf("downloads API returned status %d: %v", e.Status, e.Cause)
	case e.Status != 0:
		return fmt.Sprintf("downloads API returned status %d", e.Status)
	case e.Cause != nil:
		return fmt.Sprintf("downloads API request failed: %v", e.Cause)
	default:
		return "downloads API request failed"
	}
}

// Unwrap exposes the underlying cause.
func (e *StatusError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err carries an upstream 404.
func IsNotFound(err error) bool {
	var notFoundError *NotFoundError
	return errors.As(err, &notFoundError)
}

// StatusCode extracts the upstream HTTP status from err, or 0 when unknown.
func StatusCode(err error) int {
	var notFoundError *NotFoundError
	if errors.As(err, &notFoundError) {
		return http.StatusNotFound
	}
	var statusError *StatusError
	if errors.As(err, &statusError) {
		return statusError.Status
	}
	return 0
}

// IsTimeout reports whether err was caused by an attempt deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netError net.Error
	return errors.As(err, &netError) && netError.Timeout()
}

// isRetryableStatus reports whether a failed attempt may be retried. Status 0
// means the attempt produced no response at all.
func isRetryableStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
