// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrSubStep    = errors.New("sub-step failure")
	ErrProvider   = errors.New("provider error")
	ErrTimeout    = errors.New("timeout")
	ErrInternal   = errors.New("internal error")
	// ErrUnavailable marks a request refused because the service is draining.
	ErrUnavailable = errors.New("service unavailable")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "phrase", "references.music")
	Resource string // For not found/conflict (e.g., "job", "artifact")
	Op       string // Operation or sub-step that failed (e.g., "lyrics", "aiproxy.complete")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches
// either classification along a chain of wrapped failures.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// AlreadyExists reports a rejected second write of a write-once resource.
func AlreadyExists(resource, id string) error {
	return Conflict(resource, id, fmt.Sprintf("%s %s already exists", resource, id))
}

// SubStep wraps the failure of a named sub-step.
func SubStep(step string, cause error) error {
	return &Error{
		Sentinel: ErrSubStep,
		Message:  fmt.Sprintf("%s: %v", step, cause),
		Op:       step,
		Cause:    cause,
	}
}

// Provider wraps a failure reported by (or while reaching) a generation provider.
func Provider(provider, op string, cause error) error {
	return &Error{
		Sentinel: ErrProvider,
		Message:  fmt.Sprintf("%s %s: %v", provider, op, cause),
		Resource: provider,
		Op:       op,
		Cause:    cause,
	}
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(op string, after time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s timed out after %s", op, after),
		Op:       op,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable reports an operation refused while the service shuts down.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Error kinds as persisted in failure records and returned by the API.
const (
	KindInvalidRequest = "invalid_request"
	KindNotFound       = "not_found"
	KindAlreadyExists  = "already_exists"
	KindSubStepFailure = "sub_step_failure"
	KindProviderError  = "provider_error"
	KindTimeout        = "timeout"
	KindInternal       = "internal"
	KindUnavailable    = "unavailable"
	// KindInterrupted marks a job whose execution was cut short by a
	// shutdown or restart. KindOf never returns it.
	KindInterrupted = "interrupted"
)

// KindOf classifies err into one of the Kind constants.
// Timeout wins over sub-step failure so a timed out step is reported as such.
// A sub-step failure wins over whatever its cause was.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrSubStep):
		return KindSubStepFailure
	case errors.Is(err, ErrValidation):
		return KindInvalidRequest
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindAlreadyExists
	case errors.Is(err, ErrProvider):
		return KindProviderError
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}
