package httpserver

import (
	"bytes"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const contentTypeJSON = "application/json"

// Response is the JSON envelope of every body the pipeline writes itself,
// and the one handlers are encouraged to use.
//
//	{"data": {"id": 7}, "message": "order created"}
//
//	{
//	  "errors": [{"field": "request", "message": "request timeout"}],
//	  "message": "request timeout",
//	  "request_id": "0b7e8c1e-6c1f-4b7a-9f5d-3c2a1e4d5f60"
//	}
type Response[T any] struct {
	Data      T       `json:"data,omitempty"`
	Errors    []Error `json:"errors,omitempty"`
	Message   string  `json:"message,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
}

// Error is one entry of Response.Errors.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// WriteJSON encodes response before committing statusCode. A value that
// cannot be encoded turns into a bare 500 instead of a truncated body.
func WriteJSON[T any](w http.ResponseWriter, statusCode int, response Response[T]) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(response); err != nil {
		log.Error().Err(err).Int("status_code", statusCode).Msg("encode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes an error envelope. The request ID comes from the
// X-Request-ID response header the correlation stage sets.
//
//	httpserver.WriteError(w, http.StatusBadRequest, "validation failed",
//	    httpserver.Error{Field: "email", Message: "invalid format"})
func WriteError(w http.ResponseWriter, statusCode int, message string, errs ...Error) {
	WriteJSON(w, statusCode, Response[any]{
		Errors:    errs,
		Message:   message,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// WriteSuccess writes data in a success envelope.
func WriteSuccess[T any](w http.ResponseWriter, statusCode int, data T, message string) {
	WriteJSON(w, statusCode, Response[T]{Data: data, Message: message})
}
