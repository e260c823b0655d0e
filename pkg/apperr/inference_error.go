package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced at adapter boundaries.
const (
	// Admission errors
	CodeBadRequest   = "BAD_REQUEST"
	CodeMissingField = "MISSING_FIELD"
	CodeQueueFull    = "QUEUE_FULL"
	CodeNotRunning   = "PROCESSOR_NOT_RUNNING"
	CodeAwaitTimeout = "AWAIT_TIMEOUT"
	CodeRateLimited  = "RATE_LIMITED"

	// Backend errors
	CodeDatabaseError = "DATABASE_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
)

// AppError represents a structured application error.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Admission errors
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func QueueFull(depth int) *AppError {
	return &AppError{
		Code:    CodeQueueFull,
		Message: "admission queue is full",
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"depth": depth},
	}
}

func NotRunning() *AppError {
	return &AppError{
		Code:    CodeNotRunning,
		Message: "processor is not running",
		Status:  http.StatusServiceUnavailable,
	}
}

func AwaitTimeout(requestID string) *AppError {
	return &AppError{
		Code:    CodeAwaitTimeout,
		Message: "timed out waiting for response",
		Status:  http.StatusGatewayTimeout,
		Details: map[string]any{"request_id": requestID},
	}
}

// Backend errors
func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// AsAppError extracts an AppError from err, wrapping foreign errors as
// internal so callers always get a renderable code and status.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}
