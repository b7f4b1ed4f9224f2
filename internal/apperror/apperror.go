package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("Validation Error")
	ErrConflict      = errors.New("conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrDuplicateData = errors.New("duplicate data")
	ErrStore         = errors.New("store failure")
)

type AppError struct {
	Err       error  // actual error
	Message   string // Human-readable error message
	Field     string // Optional: field causing the error
	Cause     error  // Optional: underlying failure (driver error, etc.)
	Retryable bool   // Caller may retry the same request unchanged
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches
// apperror.ErrStore as well as, say, context.DeadlineExceeded.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// SlugTaken is the conflict returned when a custom slug is held by another owner.
// retryable marks the late-collision case: the pre-check passed but the
// conditional write lost the race.
func SlugTaken(slug string, retryable bool) *AppError {
	return &AppError{
		Err:       ErrConflict,
		Message:   fmt.Sprintf("custom slug %q is already taken", slug),
		Field:     "privacySettings.customSlug",
		Retryable: retryable,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized means no valid session was presented. Maps to 401.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// DuplicateData reports more than one preference record for a single owner.
// Only administrative callers ever see it.
func DuplicateData(ownerID string, count int) *AppError {
	return &AppError{
		Err:     ErrDuplicateData,
		Message: fmt.Sprintf("owner %s has %d preference records", ownerID, count),
	}
}

// Store wraps an I/O failure from the backing store. op names the operation
// ("getting preference p1") and ends up in the message.
func Store(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrStore,
		Message: fmt.Sprintf("store: %s: %v", op, cause),
		Cause:   cause,
	}
}

// IsRetryable reports whether err (or anything it wraps) is a retryable AppError.
func IsRetryable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Retryable
}
