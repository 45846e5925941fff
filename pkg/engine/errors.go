package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/openfroyo/podform/pkg/transports"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: dropped SSH sessions, the podman socket not accepting yet.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure retrying cannot fix.
	// Examples: invalid arguments, a package that does not exist.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with state context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// StateID is the state declaration that failed, if any.
	StateID string `json:"state_id,omitempty"`

	// Function is the state function being applied, e.g. "podman.running".
	Function string `json:"function,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.StateID != "" && e.Function != "" {
		msg = fmt.Sprintf("%s (state=%s, function=%s)", msg, e.StateID, e.Function)
	} else if e.StateID != "" {
		msg = fmt.Sprintf("%s (state=%s)", msg, e.StateID)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches errors of the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithState adds state context to an error.
func (e *EngineError) WithState(stateID, function string) *EngineError {
	e.StateID = stateID
	e.Function = function
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsTransient reports whether err is worth retrying. Classified engine
// errors decide for themselves; otherwise transport failures marked
// temporary and network timeouts count as transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}

	var te *transports.TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Classify wraps err as an EngineError, keeping an existing classification.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	if IsTransient(err) {
		return NewTransientError("state failed", err).WithCode(ErrCodeTransport)
	}
	var exitErr *transports.ExitError
	if errors.As(err, &exitErr) {
		return NewPermanentError("command failed", err).WithCode(ErrCodeCommand)
	}
	return NewPermanentError("state failed", err).WithCode(ErrCodeInternal)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownFunction  = "UNKNOWN_FUNCTION"
	ErrCodeMissingRequisite = "MISSING_REQUISITE"
	ErrCodeCycle            = "REQUISITE_CYCLE"
	ErrCodeTransport        = "TRANSPORT_ERROR"
	ErrCodeCommand          = "COMMAND_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
