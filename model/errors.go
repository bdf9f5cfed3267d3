package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Synchronization error codes.
const (
	ErrPointer          = "POINTER_ERROR"
	ErrTypeMismatch     = "TYPE_MISMATCH"
	ErrSubscription     = "SUBSCRIPTION_ERROR"
	ErrResyncFetch      = "RESYNC_FETCH_ERROR"
	ErrWorkflowNotFound = "WORKFLOW_NOT_FOUND"
)

// ErrorEnvelope is the coded error used across the synchronization core.
// It implements the error interface and optionally wraps a cause.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or
// ErrInternalError when there is none.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error wrapping cause.
func NewBackendUnavailableError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
		cause:   cause,
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewPointerError returns a POINTER_ERROR for a path that cannot be resolved
// against the current tree shape.
func NewPointerError(path, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPointer,
		Message: fmt.Sprintf("path %q: %s", path, msg),
	}
}

// NewTypeMismatchError returns a TYPE_MISMATCH error for an array-only
// operation addressed with a non-index key, or vice versa.
func NewTypeMismatchError(path, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTypeMismatch,
		Message: fmt.Sprintf("path %q: %s", path, msg),
	}
}

// NewSubscriptionError returns a SUBSCRIPTION_ERROR wrapping the transport
// failure.
func NewSubscriptionError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSubscription, Message: msg, cause: cause}
}

// NewResyncFetchError returns a RESYNC_FETCH_ERROR wrapping the loader failure.
func NewResyncFetchError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrResyncFetch, Message: msg, cause: cause}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(projectID, workflowID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q of project %q not found", workflowID, projectID),
	}
}
