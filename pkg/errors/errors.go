package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers
// and branched on by delivery code.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Is matches AppErrors by code, so copies produced by WithInternal or
// WithMessagef still compare equal to their sentinel under errors.Is.
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessagef returns a copy of the AppError with a formatted message.
func (e *AppError) WithMessagef(format string, args ...any) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = fmt.Sprintf(format, args...)
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrValidation = &AppError{
		Code:       "VALIDATION_FAILED",
		Message:    "Invalid request payload",
		StatusCode: http.StatusBadRequest,
	}

	// ErrUserMismatch marks an attempt to attach or query a connection that
	// belongs to a different user than the owning manager. Never retried,
	// never silently corrected.
	ErrUserMismatch = &AppError{
		Code:       "USER_ISOLATION_VIOLATION",
		Message:    "Connection does not belong to this user",
		StatusCode: http.StatusForbidden,
	}

	// ErrManagerInactive marks an operation on a manager after cleanup.
	// The caller must create a new manager.
	ErrManagerInactive = &AppError{
		Code:       "MANAGER_INACTIVE",
		Message:    "Connection manager has been cleaned up",
		StatusCode: http.StatusGone,
	}

	// ErrManagerLimit is returned when a user is at the manager cap even
	// after emergency cleanup reclaimed what it could.
	ErrManagerLimit = &AppError{
		Code:       "MANAGER_LIMIT_EXCEEDED",
		Message:    "Per-user connection manager limit reached",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrDeliveryFailed is surfaced for critical events that could not be
	// written to any connection.
	ErrDeliveryFailed = &AppError{
		Code:       "EVENT_DELIVERY_FAILED",
		Message:    "Critical event could not be delivered",
		StatusCode: http.StatusBadGateway,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewValidation wraps a validation failure with a helpful message.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       ErrValidation.Code,
		Message:    message,
		StatusCode: ErrValidation.StatusCode,
	}
}
