package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes. Validation errors (unknown definition/instance,
// invalid state, stale action) are never retried; they surface immediately
// as rejections.
const (
	ErrUnknownDefinition      = "UNKNOWN_DEFINITION"
	ErrUnknownInstance        = "UNKNOWN_INSTANCE"
	ErrInvalidState           = "INVALID_STATE"
	ErrStaleAction            = "STALE_ACTION"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrNoAssignees            = "NO_ASSIGNEES"
	ErrDispatchFailed         = "DISPATCH_FAILED"
)

// ErrorEnvelope is the standard error value used throughout the engine and
// returned on the wire. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code of err, or ErrInternalError when err
// is not an *ErrorEnvelope.
func ErrorCode(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err is an *ErrorEnvelope carrying the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnknownDefinitionError returns an UNKNOWN_DEFINITION error.
func NewUnknownDefinitionError(definitionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownDefinition,
		Message: fmt.Sprintf("workflow definition %q is not registered", definitionID),
	}
}

// NewUnknownInstanceError returns an UNKNOWN_INSTANCE error.
func NewUnknownInstanceError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownInstance,
		Message: fmt.Sprintf("workflow instance %q not found", instanceID),
	}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewStaleActionError returns a STALE_ACTION error.
func NewStaleActionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStaleAction, Message: msg}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
// Raised only after the internal retry budget for version conflicts is
// exhausted.
func NewConcurrentModificationError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: fmt.Sprintf("workflow instance %q was modified concurrently; retry the operation", instanceID),
	}
}

// NewNoAssigneesError returns a NO_ASSIGNEES error.
func NewNoAssigneesError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoAssignees,
		Message: fmt.Sprintf("step %q resolved to an empty assignee set", stepID),
	}
}

// NewDispatchFailedError returns a DISPATCH_FAILED error.
func NewDispatchFailedError(stepID string, cause error) *ErrorEnvelope {
	msg := fmt.Sprintf("notification dispatch failed for every assignee of step %q", stepID)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &ErrorEnvelope{
		Code:    ErrDispatchFailed,
		Message: msg,
	}
}
