package httpserver

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxBodyLogSize = 4 << 10

// LoggerConfig configures the access log stage.
type LoggerConfig struct {
	// Logger receives one event per request. Nil means the request context
	// logger, which already carries request_id.
	Logger *zerolog.Logger

	// SkipPaths are not logged.
	SkipPaths []string

	// SlowThreshold raises successful requests slower than it to warn.
	// Zero disables the check.
	SlowThreshold time.Duration

	// LogRequestBody and LogResponseBody add at most MaxBodyLogSize bytes
	// of the bodies to the event. The request body prefix is held in
	// memory and replayed to the handler.
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodyLogSize  int

	serviceName string
}

// Logger writes one "request completed" event per request when the handler
// returns. Server errors log at error; client errors, timeouts and slow
// requests at warn.
//
// Inside the server pipeline it runs below the Timeout stage, so a request
// the client already got a 408 for is logged with timed_out once its
// handler gives up.
func Logger(cfg LoggerConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	limit := cfg.MaxBodyLogSize
	if limit <= 0 {
		limit = defaultMaxBodyLogSize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			r, st := withRequestState(r)
			start := time.Now()

			var reqBody []byte
			if cfg.LogRequestBody && r.Body != nil && r.Body != http.NoBody {
				reqBody = peekBody(r, limit)
			}

			rec := newStatusRecorder(w)
			var respBody *bytes.Buffer
			if cfg.LogResponseBody {
				respBody = rec.captureBody(limit)
			}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			logger := cfg.Logger
			if logger == nil {
				logger = zerolog.Ctx(r.Context())
			}

			status := rec.Status()
			slow := cfg.SlowThreshold > 0 && elapsed > cfg.SlowThreshold
			var event *zerolog.Event
			switch {
			case status >= http.StatusInternalServerError:
				event = logger.Error()
			case status >= http.StatusBadRequest, st.timedOut(), slow:
				event = logger.Warn()
			default:
				event = logger.Info()
			}
			if event == nil {
				return
			}

			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", routeLabel(st)).
				Int("status", status).
				Dur("duration", elapsed).
				Int("bytes", rec.BytesWritten()).
				Str("remote_addr", r.RemoteAddr).
				Str("user_agent", r.UserAgent())

			// The context logger already carries these fields.
			if cfg.Logger != nil {
				if cfg.serviceName != "" {
					event.Str("service", cfg.serviceName)
				}
				if id := RequestIDFromContext(r.Context()); id != "" {
					event.Str("request_id", id)
				}
			}
			if isGRPC(r) {
				if code, err := strconv.Atoi(rec.Header().Get("Grpc-Status")); err == nil {
					event.Int("grpc_status", code)
				}
			}
			if st.timedOut() {
				event.Bool("timed_out", true)
			}
			if slow {
				event.Bool("slow", true)
			}
			if len(reqBody) > 0 {
				event.Bytes("request_body", reqBody)
			}
			if respBody != nil && respBody.Len() > 0 {
				event.Bytes("response_body", respBody.Bytes())
			}

			event.Msg("request completed")
		})
	}
}

// peekBody reads up to limit bytes of the request body and puts them back
// in front of the rest.
func peekBody(r *http.Request, limit int) []byte {
	head, _ := io.ReadAll(io.LimitReader(r.Body, int64(limit)))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return head
}
