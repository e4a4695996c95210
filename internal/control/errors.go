// Package control provides the HTTP client for the Training Control API:
// run listings and detail, bounded metric history, the live SSE event
// stream, and the cancel and promote actions.
package control

import (
	"errors"
	"fmt"
)

// ErrRejected is returned when the control plane acknowledges an action
// request with ok=false: the request was understood but not accepted,
// for example a cancel that raced the run's own completion.
var ErrRejected = errors.New("control: request rejected by the control plane")

// Error represents an error from the Training Control API with the HTTP
// status code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("control: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsConflict returns true if the error is a 409. The control plane
// answers 409 when an action races the run's lifecycle, for example
// cancelling a run that finished on its own a moment earlier.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
