package location

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the user or platform refused location access
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrPositionUnavailable means no position could be determined
	ErrPositionUnavailable = errors.New("position unavailable")
	// ErrTimeout means no fix arrived within the request timeout
	ErrTimeout = errors.New("location request timed out")
)

// Platform error codes as reported by the geolocation source
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// ErrorFromCode maps a platform error code to one of the sentinel errors
func ErrorFromCode(code int, message string) error {
	var base error
	switch code {
	case CodePermissionDenied:
		base = ErrPermissionDenied
	case CodeTimeout:
		base = ErrTimeout
	default:
		base = ErrPositionUnavailable
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

// Kind returns a short label for logs and metrics
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPositionUnavailable):
		return "position_unavailable"
	default:
		return "unknown"
	}
}
