package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON / writeError so the API has one
// success shape (the resource itself) and one error shape:
//   {"error": "conflict", "message": "custom slug \"taken\" is already taken", "field": "privacySettings.customSlug"}
//
// The frontend switches on "error" and may highlight "field"; "message" is
// for humans. "retryable" is set on conflicts the client can simply resend.

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/sakif/nowplaying/internal/apperror"
)

// maxBodyBytes caps request bodies. A full preference patch with the largest
// allowed customCss is well under this.
const maxBodyBytes = 64 << 10

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error     string `json:"error"`               // Machine-readable error type (e.g., "not_found")
	Message   string `json:"message"`             // Human-readable description
	Field     string `json:"field,omitempty"`     // Offending input field, when known
	Retryable bool   `json:"retryable,omitempty"` // Same request may succeed if resent
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status go out with the first body byte, so both are set before encoding.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps an error to its HTTP status and machine-readable code.
//
// The service layer knows nothing about HTTP. It returns apperror sentinels
// (possibly wrapped several times with fmt.Errorf("...: %w")), and
// errors.Is walks the chain to find them.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrDuplicateData):
		return http.StatusConflict, "duplicate_data"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// Store failures and unknown errors become a generic 500: their messages can
// contain SQL or file paths, so the detail only goes to the log.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := errorStatus(err)

	var appErr *apperror.AppError
	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		logger.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "an unexpected error occurred",
		})
		return
	}

	writeJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   appErr.Message,
		Field:     appErr.Field,
		Retryable: appErr.Retryable,
	})
}

// readJSON decodes a bounded request body into dst. Any decoding failure is a
// validation error.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apperror.ValidationFailed("", "request body too large")
		}
		return apperror.ValidationFailed("", "could not read request body")
	}
	if len(body) == 0 {
		return apperror.ValidationFailed("", "request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperror.ValidationFailed("", "request body is not valid JSON")
	}
	return nil
}
