package httpserver

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Recovery returns middleware that recovers from panics.
//
// It is the outermost stage of the server pipeline. Besides recovering, it
// installs the per-request state shared by the inner stages and attaches
// logger to the request context so zerolog.Ctx works in every handler.
//
// When a panic occurs:
//   - The panic and the stack where it happened are logged
//   - A 500 response is written unless the handler already started one
//   - The serving goroutine and the process keep running
//
// http.ErrAbortHandler is re-panicked so net/http aborts the connection
// silently, as it would without this stage.
//
// Example:
//
//	handler := httpserver.Recovery(logger)(myHandler)
func Recovery(logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, _ = withRequestState(r)
			r = r.WithContext(logger.WithContext(r.Context()))

			wrapped := newStatusRecorder(w)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
					panic(rec)
				}

				value, stack := rec, debug.Stack()
				if hp, ok := rec.(handlerPanic); ok {
					value, stack = hp.value, hp.stack
				}

				zerolog.Ctx(r.Context()).Error().
					Str("panic", fmt.Sprint(value)).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("stack", string(stack)).
					Msg("panic recovered")

				if wrapped.WroteHeader() {
					// Too late for a status line. Cut the response instead.
					panic(http.ErrAbortHandler)
				}
				writeFault(wrapped, r, http.StatusInternalServerError, "server", "an unexpected error occurred")
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

// unwrapPanic returns the value the handler panicked with.
func unwrapPanic(p any) any {
	if hp, ok := p.(handlerPanic); ok {
		return hp.value
	}
	return p
}
