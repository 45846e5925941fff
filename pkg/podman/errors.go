package podman

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Sentinel errors for errors.Is checks by callers.
	ErrNotFound    = errors.New("podman: no such object")
	ErrConflict    = errors.New("podman: conflict")
	ErrBadRequest  = errors.New("podman: bad request")
	ErrServer      = errors.New("podman: internal error")
	ErrUnavailable = errors.New("podman: service unreachable")
	ErrBadResponse = errors.New("podman: malformed response")
)

// APIError wraps a sentinel with the failed operation and the message the
// service returned.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Message   string
	Err       error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying transport error.
func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Err}
}

func sentinelFor(status int) error {
	switch {
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflict
	case status >= 500:
		return ErrServer
	default:
		return ErrBadRequest
	}
}

// IsImageNotKnown reports whether err is podman refusing to create a
// container because the image is not in local storage.
func IsImageNotKnown(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(apiErr.Message, "image not known")
}
