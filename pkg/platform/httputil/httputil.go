// Package httputil writes JSON responses and maps engine errors onto HTTP
// status codes.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"storeops/internal/tracking/models"
	"storeops/pkg/platform/sentinel"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxBodyBytes bounds decoded request bodies.
const maxBodyBytes = 1 << 20

// DecodeJSON decodes the request body into T, rejecting unknown fields.
// Malformed bodies are reported as validation errors.
func DecodeJSON[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: invalid request body: %s", models.ErrValidationRejected, err.Error())
	}
	return v, nil
}

// WriteError maps err onto a status and error code. Internal errors omit
// their description.
func WriteError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	body := errorBody{Error: code}
	if status < http.StatusInternalServerError {
		body.Description = err.Error()
	}
	WriteJSON(w, status, body)
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, models.ErrBelowThreshold):
		return http.StatusUnprocessableEntity, "below_threshold"
	case errors.Is(err, models.ErrStaleWrite), errors.Is(err, sentinel.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrValidationRejected), errors.Is(err, sentinel.ErrRejected):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, sentinel.ErrUnavailable), errors.Is(err, models.ErrTransportFailure):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}
