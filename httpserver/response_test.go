package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/servekit/httpserver"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantType   string
		wantBody   map[string]any
	}{
		{
			name: "given data, when WriteSuccess called, then writes envelope",
			write: func(w http.ResponseWriter) {
				httpserver.WriteSuccess(w, http.StatusCreated, map[string]int{"id": 7}, "order created")
			},
			wantStatus: http.StatusCreated,
			wantType:   "application/json",
			wantBody: map[string]any{
				"data":    map[string]any{"id": float64(7)},
				"message": "order created",
			},
		},
		{
			name: "given request id header, when WriteError called, then body carries it",
			write: func(w http.ResponseWriter) {
				w.Header().Set(httpserver.RequestIDHeader, "req-42")
				httpserver.WriteError(w, http.StatusBadRequest, "validation failed",
					httpserver.Error{Field: "email", Message: "invalid format"})
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "application/json",
			wantBody: map[string]any{
				"errors":     []any{map[string]any{"field": "email", "message": "invalid format"}},
				"message":    "validation failed",
				"request_id": "req-42",
			},
		},
		{
			name: "given unencodable data, when WriteSuccess called, then returns 500",
			write: func(w http.ResponseWriter) {
				httpserver.WriteSuccess(w, http.StatusOK, make(chan int), "")
			},
			wantStatus: http.StatusInternalServerError,
			wantType:   "text/plain; charset=utf-8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			tt.write(rec)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantType, rec.Header().Get("Content-Type"))
			if tt.wantBody != nil {
				var body map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantBody, body)
			}
		})
	}
}
