package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	t.Run("payload", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteJSON(w, http.StatusOK, map[string]string{"decision_id": "d1"}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"decision_id":"d1"}`, w.Body.String())
	})

	t.Run("nil body", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOKAndCreated(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteOK(w, map[string]string{"status": "reconciled"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"outcome": "ALLOW"}))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name            string
		write           func(w http.ResponseWriter) error
		wantStatus      int
		wantCode        string
		wantMessage     string
		wantDetailKey   string
		wantDetailValue interface{}
	}{
		{
			name:        "bad request",
			write:       func(w http.ResponseWriter) error { return WriteBadRequest(w, "invalid change payload", nil) },
			wantStatus:  http.StatusBadRequest,
			wantCode:    "bad_request",
			wantMessage: "invalid change payload",
		},
		{
			name:        "unauthorized",
			write:       func(w http.ResponseWriter) error { return WriteUnauthorized(w, "approval token expired") },
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "unauthorized",
			wantMessage: "approval token expired",
		},
		{
			name:        "forbidden",
			write:       func(w http.ResponseWriter) error { return WriteForbidden(w, "") },
			wantStatus:  http.StatusForbidden,
			wantCode:    "forbidden",
			wantMessage: "Access forbidden",
		},
		{
			name:        "not found",
			write:       func(w http.ResponseWriter) error { return WriteNotFound(w, "reservation not found") },
			wantStatus:  http.StatusNotFound,
			wantCode:    "not_found",
			wantMessage: "reservation not found",
		},
		{
			name: "conflict",
			write: func(w http.ResponseWriter) error {
				return WriteConflict(w, "approval token already consumed",
					map[string]interface{}{"approval_id": "a1"})
			},
			wantStatus:      http.StatusConflict,
			wantCode:        "conflict",
			wantMessage:     "approval token already consumed",
			wantDetailKey:   "approval_id",
			wantDetailValue: "a1",
		},
		{
			name: "rate limit",
			write: func(w http.ResponseWriter) error {
				return WriteTooManyRequests(w, "", map[string]interface{}{"retry_after_seconds": 30})
			},
			wantStatus:      http.StatusTooManyRequests,
			wantCode:        "rate_limit_exceeded",
			wantMessage:     "Rate limit exceeded",
			wantDetailKey:   "retry_after_seconds",
			wantDetailValue: float64(30),
		},
		{
			name: "service unavailable",
			write: func(w http.ResponseWriter) error {
				return WriteServiceUnavailable(w, "circuit breaker open for tenant",
					map[string]interface{}{"reason_code": "breaker.open"})
			},
			wantStatus:      http.StatusServiceUnavailable,
			wantCode:        "service_unavailable",
			wantMessage:     "circuit breaker open for tenant",
			wantDetailKey:   "reason_code",
			wantDetailValue: "breaker.open",
		},
		{
			name:        "internal",
			write:       func(w http.ResponseWriter) error { return WriteInternalServerError(w, "", nil) },
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "internal_error",
			wantMessage: "Internal server error",
		},
		{
			name: "internal with details",
			write: func(w http.ResponseWriter) error {
				return WriteInternalServerError(w, "admission review timed out",
					map[string]interface{}{"reason_code": "gate_timeout"})
			},
			wantStatus:      http.StatusInternalServerError,
			wantCode:        "internal_error",
			wantMessage:     "admission review timed out",
			wantDetailKey:   "reason_code",
			wantDetailValue: "gate_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantCode, resp.Error)
			assert.Equal(t, tt.wantMessage, resp.Message)
			if tt.wantDetailKey != "" {
				assert.Equal(t, tt.wantDetailValue, resp.Details[tt.wantDetailKey])
			}
		})
	}
}
