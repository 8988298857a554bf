// Package apperror provides structured error handling for the resource manager.
// Every failure surfaced to the coordinator is an AppError so that transport
// layers can map it to a status without inspecting messages.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Validation errors (400)
	CodeValidation = "VALIDATION_ERROR"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Compensation failures
	CodeRollback   = "ROLLBACK_FAILED"
	CodeIntegrity  = "INTEGRITY_VIOLATION"
	CodeDirtyWrite = "DIRTY_WRITE"
	CodeExecution  = "EXECUTION_ERROR"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (identifiers, SQL, snapshots)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewIntegrity reports a broken undo-log invariant (duplicate active entries,
// unreadable payload, identifier mismatch). Never repaired automatically.
func NewIntegrity(message string) *AppError {
	return &AppError{
		Code:       CodeIntegrity,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewDirtyWrite reports that live rows diverge from the recorded snapshot.
func NewDirtyWrite(table, recorded, live string) *AppError {
	return &AppError{
		Code:       CodeDirtyWrite,
		Message:    fmt.Sprintf("dirty write detected on %s", table),
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"table":    table,
			"recorded": recorded,
			"live":     live,
		},
	}
}

// NewExecution wraps a SQL execution failure.
func NewExecution(message string, cause error) *AppError {
	return &AppError{
		Code:       CodeExecution,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        cause,
	}
}

// NewRollback wraps any failure of a branch rollback. The status follows the
// cause when it is an AppError so that dirty writes stay distinguishable.
func NewRollback(cause error) *AppError {
	status := http.StatusInternalServerError
	details := map[string]any{}
	if appErr, ok := AsAppError(cause); ok {
		status = appErr.HTTPStatus
		details["cause_code"] = appErr.Code
		for k, v := range appErr.Details {
			details[k] = v
		}
	}
	return &AppError{
		Code:       CodeRollback,
		Message:    "rollback error",
		HTTPStatus: status,
		Details:    details,
		Err:        cause,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsIntegrity checks if the chain contains an integrity violation.
func IsIntegrity(err error) bool {
	return HasCode(err, CodeIntegrity)
}

// IsDirtyWrite checks if the chain contains a dirty write.
func IsDirtyWrite(err error) bool {
	return HasCode(err, CodeDirtyWrite)
}

// IsExecution checks if the chain contains a SQL execution failure.
func IsExecution(err error) bool {
	return HasCode(err, CodeExecution)
}
