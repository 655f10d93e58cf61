// Package errors provides coded error types shared across the kbot runtime.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeLockFailed          = "LOCK_FAILED"
	ErrCodeIndexLockFailed     = "INDEX_LOCK_FAILED"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeInvalidSessionRef   = "INVALID_SESSION_REF"
	ErrCodeAlreadyAcknowledged = "ALREADY_ACKNOWLEDGED"
	ErrCodeUnknownAgent        = "UNKNOWN_AGENT"
	ErrCodeMissingTransformer  = "MISSING_TRANSFORMER"
	ErrCodeUnsupportedType     = "UNSUPPORTED_TYPE"
	ErrCodeMethodNotFound      = "METHOD_NOT_FOUND"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeNoIPCChannel        = "NO_IPC_CHANNEL"
	ErrCodeRestartPending      = "RESTART_PENDING"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with a machine code and,
// for validation errors, the dotted path of the offending field.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// Validation creates a new validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationError,
		Message: message,
		Field:   field,
	}
}

// LockFailed creates a lock acquisition error with a wrapped cause.
func LockFailed(path string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeLockFailed,
		Message: fmt.Sprintf("failed to acquire lock at %s", path),
		Err:     err,
	}
}

// IndexLockFailed creates a lock error for the cross-conversation index.
func IndexLockFailed(path string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeIndexLockFailed,
		Message: fmt.Sprintf("failed to acquire index lock at %s", path),
		Err:     err,
	}
}

// InvalidSessionRef signals that a turn references a session the session
// store does not know about.
func InvalidSessionRef(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidSessionRef,
		Message: fmt.Sprintf("turn references unknown session '%s'", sessionID),
		Field:   "session_id",
	}
}

// SessionNotFound creates a session lookup error.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
	}
}

// Internal creates an internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// Coded creates an error with an arbitrary machine code.
func Coded(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// CodeOf extracts the machine code from err, or "" if err carries none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given machine code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
