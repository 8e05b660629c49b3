package errs

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// FieldError is one entry of a 400 validation response.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HTTPError is the uniform wire error body served by every service.
type HTTPError struct {
	Timestamp        string         `json:"timestamp"`
	Status           int            `json:"status"`
	Error            string         `json:"error"`
	Message          string         `json:"message"`
	Path             string         `json:"path"`
	ErrorCode        string         `json:"errorCode"`
	Details          map[string]any `json:"details,omitempty"`
	ValidationErrors []FieldError   `json:"validationErrors,omitempty"`
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindDomainRejection:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransientInfra:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err into the uniform error body on w.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	body := HTTPError{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   messageOf(err),
		Path:      r.URL.Path,
		ErrorCode: CodeOf(err),
	}
	var ce *Error
	if errors.As(err, &ce) {
		body.Details = ce.Details
	}
	writeJSON(w, status, body)
}

// WriteValidationError renders a 400 with per-field errors.
func WriteValidationError(w http.ResponseWriter, r *http.Request, fields []FieldError) {
	body := HTTPError{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Status:           http.StatusBadRequest,
		Error:            http.StatusText(http.StatusBadRequest),
		Message:          "request validation failed",
		Path:             r.URL.Path,
		ErrorCode:        "VALIDATION_FAILED",
		ValidationErrors: fields,
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func messageOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	// Unclassified errors stay opaque on the wire.
	return "internal error"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
