package httpserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// RequestIDHeader is the header used to read and echo the correlation ID.
const RequestIDHeader = "X-Request-ID"

// MaxRequestIDLength is the longest inbound request ID that is accepted.
const MaxRequestIDLength = 128

// IDGenerator returns a new random request ID. It must not fail.
type IDGenerator func() string

// UUIDGenerator returns random UUIDv4 strings. It is the default.
func UUIDGenerator() IDGenerator {
	return uuid.NewString
}

// ULIDGenerator returns lexicographically sortable ULIDs.
func ULIDGenerator() IDGenerator {
	return func() string { return ulid.Make().String() }
}

// requestIDKey is the context key for request ID.
type requestIDKey struct{}

// RequestID returns middleware that generates or forwards request IDs.
//
// Behavior:
//   - If X-Request-ID carries a valid ID, it is kept
//   - Otherwise a new ID is generated (UUIDv4 unless gen is given)
//   - The ID is echoed on the response header
//   - The ID is stored in the request context and on the context logger
//
// A valid ID is 1 to 128 bytes of visible ASCII without spaces.
//
// Example:
//
//	handler := httpserver.RequestID()(myHandler)
//
//	// Access in handler:
//	func myHandler(w http.ResponseWriter, r *http.Request) {
//	    id := httpserver.RequestIDFromContext(r.Context())
//	    zerolog.Ctx(r.Context()).Info().Msg("handling") // carries request_id
//	}
func RequestID(gen ...IDGenerator) Middleware {
	next := UUIDGenerator()
	if len(gen) > 0 && gen[0] != nil {
		next = gen[0]
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !ValidRequestID(id) {
				id = next()
				r.Header.Set(RequestIDHeader, id)
			}

			w.Header().Set(RequestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			logger := zerolog.Ctx(ctx).With().Str("request_id", id).Logger()
			ctx = logger.WithContext(ctx)

			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidRequestID reports whether id is acceptable as an inbound request ID.
func ValidRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '!' || id[i] > '~' {
			return false
		}
	}
	return true
}

// RequestIDFromContext extracts the request ID from the context.
//
// Returns an empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
