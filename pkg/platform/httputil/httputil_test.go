package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"storeops/internal/tracking/models"
	"storeops/pkg/platform/sentinel"
)

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, errors.New("db failed"))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["error"] != "internal_error" {
			t.Fatalf("expected error code internal_error, got %q", body["error"])
		}
		if _, ok := body["error_description"]; ok {
			t.Fatalf("expected error_description to be omitted for internal errors")
		}
	})

	t.Run("bad request includes description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, fmt.Errorf("%w: invalid input", models.ErrValidationRejected))

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["error"] != "bad_request" {
			t.Fatalf("expected error code bad_request, got %q", body["error"])
		}
		if body["error_description"] != "validation rejected: invalid input" {
			t.Fatalf("expected error_description to be returned for bad request, got %q", body["error_description"])
		}
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.ErrNotAuthorized, http.StatusForbidden},
		{models.ErrBelowThreshold, http.StatusUnprocessableEntity},
		{&models.RevisionConflictError{Expected: 1, Current: 2}, http.StatusConflict},
		{fmt.Errorf("read: %w", sentinel.ErrNotFound), http.StatusNotFound},
		{sentinel.ErrUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if status, _ := Classify(tt.err); status != tt.status {
			t.Errorf("Classify(%v) = %d, want %d", tt.err, status, tt.status)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Value bool `json:"value"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"value":true}`))
	got, err := DecodeJSON[body](r)
	if err != nil || !got.Value {
		t.Fatalf("expected value true, got %+v, %v", got, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	if _, err := DecodeJSON[body](r); !errors.Is(err, models.ErrValidationRejected) {
		t.Fatalf("expected validation error for unknown field, got %v", err)
	}
}
