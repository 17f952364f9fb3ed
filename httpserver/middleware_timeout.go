package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimeoutObserver is notified once for every request that hits the Timeout
// deadline before its handler completed.
type TimeoutObserver interface {
	ObserveTimeout(r *http.Request, route string)
}

// handlerPanic carries a panic from the handler goroutine to the serving
// goroutine together with the stack where it happened.
type handlerPanic struct {
	value any
	stack []byte
}

// Timeout returns middleware that bounds handler execution time.
//
// The handler runs with a context that expires after timeout. If it has not
// finished by then, the client gets 408 Request Timeout (or grpc-status
// DEADLINE_EXCEEDED for gRPC calls) and the handler is left running with a
// cancelled context; its later writes fail with http.ErrHandlerTimeout.
// When the handler already started the response, the stream is cut instead.
//
// Handlers are expected to watch r.Context() and return promptly once it is
// done. The stage never kills a handler. A handler that panics after the
// stage gave up on it has nobody left to recover it; the panic is logged
// through zerolog.Ctx and swallowed.
//
// Example:
//
//	handler := httpserver.Timeout(5 * time.Second)(slowHandler)
func Timeout(timeout time.Duration, observers ...TimeoutObserver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, st := withRequestState(r)

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			r = r.WithContext(ctx)

			tw := newTimeoutWriter(w)
			done := make(chan struct{})
			panics := &panicHandoff{ch: make(chan any, 1)}
			panicked := panics.ch

			go func() {
				defer func() {
					if p := recover(); p != nil {
						if p == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
							panics.send(r, p)
							return
						}
						panics.send(r, handlerPanic{value: p, stack: debug.Stack()})
						return
					}
					close(done)
				}()
				next.ServeHTTP(tw, r)
				st.claim(outcomeCompleted)
			}()

			select {
			case p := <-panicked:
				panic(p)
			case <-done:
				tw.finish()
				return
			case <-ctx.Done():
			}

			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// Client went away. Nothing can be delivered.
				tw.close()
				panics.abandon(r)
				return
			}

			if !st.claim(outcomeTimedOut) {
				// The handler finished right at the deadline.
				select {
				case p := <-panicked:
					panic(p)
				case <-done:
				}
				tw.finish()
				return
			}

			tw.expire(r)
			panics.abandon(r)
			route := routeLabel(st)
			for _, o := range observers {
				o.ObserveTimeout(r, route)
			}
		})
	}
}

// panicHandoff passes a handler panic to the serving goroutine while it is
// still waiting, and logs it once the serving goroutine has returned.
type panicHandoff struct {
	mu        sync.Mutex
	ch        chan any
	abandoned bool
}

func (h *panicHandoff) send(r *http.Request, p any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.abandoned {
		logLatePanic(r, p)
		return
	}
	h.ch <- p
}

// abandon marks the serving goroutine as gone. A panic already handed off
// but never received is logged here.
func (h *panicHandoff) abandon(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.abandoned = true
	select {
	case p := <-h.ch:
		logLatePanic(r, p)
	default:
	}
}

func logLatePanic(r *http.Request, p any) {
	if p == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
		return
	}
	stack := debug.Stack()
	if hp, ok := p.(handlerPanic); ok {
		stack = hp.stack
	}
	zerolog.Ctx(r.Context()).Error().
		Str("panic", fmt.Sprint(unwrapPanic(p))).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("stack", string(stack)).
		Msg("panic after request timeout")
}

// timeoutWriter lets the handler goroutine and the serving goroutine share
// one ResponseWriter. The handler writes headers into its own map until it
// commits them, so a late timeout response never races with it.
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu          sync.Mutex
	wroteHeader bool
	closed      bool
}

func newTimeoutWriter(w http.ResponseWriter) *timeoutWriter {
	return &timeoutWriter{w: w, h: w.Header().Clone()}
}

func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.wroteHeader && !tw.closed {
		return tw.w.Header()
	}
	return tw.h
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed || tw.wroteHeader {
		return
	}
	tw.commitLocked(code)
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.commitLocked(http.StatusOK)
	}
	return tw.w.Write(p)
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return
	}
	if !tw.wroteHeader {
		tw.commitLocked(http.StatusOK)
	}
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *timeoutWriter) commitLocked(code int) {
	dst := tw.w.Header()
	for k := range dst {
		if _, ok := tw.h[k]; !ok {
			delete(dst, k)
		}
	}
	for k, v := range tw.h {
		dst[k] = v
	}
	tw.wroteHeader = true
	tw.w.WriteHeader(code)
}

// expire rejects further handler writes and sends the timeout response if
// the handler had not committed its own.
func (tw *timeoutWriter) expire(r *http.Request) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.closed = true
	if tw.wroteHeader {
		return
	}
	writeFault(tw.w, r, http.StatusRequestTimeout, "request", "request timeout")
}

// finish commits headers of a handler that returned without writing.
func (tw *timeoutWriter) finish() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if !tw.closed && !tw.wroteHeader {
		tw.commitLocked(http.StatusOK)
	}
}

func (tw *timeoutWriter) close() {
	tw.mu.Lock()
	tw.closed = true
	tw.mu.Unlock()
}
