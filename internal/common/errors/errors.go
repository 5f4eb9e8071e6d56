// Package errors provides custom error types for the Workdeck application.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeNotStarted       = "NOT_STARTED"
	ErrCodeProjectUnbound   = "PROJECT_UNBOUND"
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeNoSnapshot       = "NO_SNAPSHOT"
	ErrCodeUnknownRequestID = "UNKNOWN_REQUEST_ID"
	ErrCodeProcessExited    = "PROCESS_EXITED"
	ErrCodeSessionClosed    = "SESSION_CLOSED"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
)

// AppError represents an application-specific error with a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code, so callers
// can match on sentinel instances regardless of message.
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return appErr.Code == e.Code
	}
	return false
}

// NotStarted indicates an operation that requires a live process.
func NotStarted(what string) *AppError {
	return &AppError{
		Code:    ErrCodeNotStarted,
		Message: fmt.Sprintf("%s has not been started", what),
	}
}

// ProjectUnbound indicates a slot with no bound project.
func ProjectUnbound(slot int) *AppError {
	return &AppError{
		Code:    ErrCodeProjectUnbound,
		Message: fmt.Sprintf("slot %d has no bound project", slot),
	}
}

// InvalidArgument indicates malformed caller input, detected before any
// side effect.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidArgument,
		Message: message,
	}
}

// NoSnapshot indicates an idempotent re-application of apply/revert.
func NoSnapshot(threadID, turnID string) *AppError {
	return &AppError{
		Code:    ErrCodeNoSnapshot,
		Message: fmt.Sprintf("no snapshot for thread %q turn %q", threadID, turnID),
	}
}

// UnknownRequestID indicates a stale or already-resolved approval response.
func UnknownRequestID(requestID string) *AppError {
	return &AppError{
		Code:    ErrCodeUnknownRequestID,
		Message: fmt.Sprintf("unknown request id %q", requestID),
	}
}

// ProcessExited indicates the owning process died with requests in flight.
func ProcessExited(what string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeProcessExited,
		Message: fmt.Sprintf("%s exited", what),
		Err:     err,
	}
}

// SessionClosed indicates a session was closed while work was pending.
func SessionClosed(slot int) *AppError {
	return &AppError{
		Code:    ErrCodeSessionClosed,
		Message: fmt.Sprintf("session for slot %d closed", slot),
	}
}

// Closed indicates a channel or stream was closed while in use.
func Closed(message string) *AppError {
	return &AppError{
		Code:    ErrCodeSessionClosed,
		Message: message,
	}
}

// OperationFailed wraps an underlying process or IO failure, preserving
// the causing error's message.
func OperationFailed(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeOperationFailed,
		Message: message,
		Err:     err,
	}
}

// Code extracts the error code from err, or OPERATION_FAILED for
// non-AppError values.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeOperationFailed
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
