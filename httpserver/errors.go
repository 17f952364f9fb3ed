package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

// ErrInvalidConfig is wrapped by every configuration validation error.
var ErrInvalidConfig = errors.New("httpserver: invalid config")

// StatusClientClosedRequest is the non-standard status used when the client
// went away before the handler finished.
const StatusClientClosedRequest = 499

// StatusError is an error that carries the HTTP status it should produce.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

// NewError returns a StatusError with a client-visible message.
func NewError(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

// WrapError returns a StatusError that keeps err for logging. Only message
// is shown to the client.
func WrapError(status int, message string, err error) *StatusError {
	return &StatusError{Status: status, Message: message, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// HandlerFunc is an HTTP handler that may fail. A returned error is written
// with WriteErr.
//
// Example:
//
//	mux.Handle("GET /users/{id}", httpserver.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
//	    user, err := repo.Get(r.Context(), r.PathValue("id"))
//	    if errors.Is(err, repo.ErrNotFound) {
//	        return httpserver.NewError(http.StatusNotFound, "user not found")
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    httpserver.WriteSuccess(w, http.StatusOK, user, "")
//	    return nil
//	}))
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ServeHTTP implements http.Handler.
func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := f(w, r); err != nil {
		WriteErr(w, r, err)
	}
}

// WriteErr writes the response derived from err.
//
// A *StatusError keeps its status and message. Context cancellation maps to
// 499 and deadline expiry to 408. Anything else is a 500 whose details are
// logged but not sent to the client.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	var se *StatusError
	switch {
	case errors.As(err, &se):
		status, message = se.Status, se.Message
	case errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusRequestTimeout, "request timeout"
	case errors.Is(err, context.Canceled):
		status, message = StatusClientClosedRequest, "client closed request"
	}

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().
			Err(err).
			Int("status", status).
			Msg("request failed")
	}

	writeFault(w, r, status, "request", message)
}

// isGRPC reports whether r is a gRPC call.
func isGRPC(r *http.Request) bool {
	return r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

// writeFault writes a standardized error. gRPC calls get a trailers-only
// response carrying the matching grpc-status.
func writeFault(w http.ResponseWriter, r *http.Request, status int, field, message string) {
	if isGRPC(r) {
		h := w.Header()
		h.Set("Content-Type", "application/grpc")
		h.Set("Grpc-Status", strconv.Itoa(int(grpcCode(status))))
		h.Set("Grpc-Message", grpcEncodeMessage(message))
		w.WriteHeader(http.StatusOK)
		return
	}

	WriteError(w, status, message, Error{Field: field, Message: message})
}

// grpcCode maps an HTTP status to the closest gRPC code.
func grpcCode(status int) codes.Code {
	switch status {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case StatusClientClosedRequest:
		return codes.Canceled
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusInternalServerError:
		return codes.Internal
	}
	if status >= 200 && status < 300 {
		return codes.OK
	}
	return codes.Unknown
}

// grpcEncodeMessage percent-encodes a grpc-message value.
func grpcEncodeMessage(msg string) string {
	var b strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= ' ' && c <= '~' && c != '%' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
