package httpserver

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
)

// RouteUnmatched is the route label used when no router reported a template.
const RouteUnmatched = "unmatched"

const (
	outcomePending int32 = iota
	outcomeCompleted
	outcomeTimedOut
)

// requestState is shared by all stages handling one request. The timeout
// goroutine and the handler goroutine may touch it concurrently.
type requestState struct {
	route   atomic.Pointer[string]
	outcome atomic.Int32
}

type requestStateKey struct{}

func stateFromContext(ctx context.Context) *requestState {
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

// withRequestState returns r carrying a request state, installing one if the
// request has none yet.
func withRequestState(r *http.Request) (*http.Request, *requestState) {
	if st := stateFromContext(r.Context()); st != nil {
		return r, st
	}
	st := &requestState{}
	return r.WithContext(context.WithValue(r.Context(), requestStateKey{}, st)), st
}

// claim moves the request out of the pending outcome. Only the first caller
// wins; the loser must not report the request again.
func (st *requestState) claim(outcome int32) bool {
	return st.outcome.CompareAndSwap(outcomePending, outcome)
}

func (st *requestState) timedOut() bool {
	return st.outcome.Load() == outcomeTimedOut
}

func (st *requestState) routeOr(fallback string) string {
	if p := st.route.Load(); p != nil && *p != "" {
		return *p
	}
	return fallback
}

// routeLabel is the bounded route value used for metrics and spans.
func routeLabel(st *requestState) string {
	if st == nil {
		return RouteUnmatched
	}
	return st.routeOr(RouteUnmatched)
}

// WithRouteTracking returns a context that can record a route template.
//
// The server pipeline installs this for every request. Call it directly only
// when mounting handlers outside a Server, for example in tests.
func WithRouteTracking(ctx context.Context) context.Context {
	if stateFromContext(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, requestStateKey{}, &requestState{})
}

// SetRoute records the route template that matched the request, such as
// "/users/{id}". Metrics and tracing label requests with it instead of the
// raw path. It is a no-op when ctx carries no route tracking.
func SetRoute(ctx context.Context, route string) {
	if st := stateFromContext(ctx); st != nil {
		st.route.Store(&route)
	}
}

// RouteFromContext returns the recorded route template, or "" if none.
func RouteFromContext(ctx context.Context) string {
	if st := stateFromContext(ctx); st != nil {
		return st.routeOr("")
	}
	return ""
}

// TrackServeMux returns a handler that records the pattern mux selects for
// each request before dispatching to it.
func TrackServeMux(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pattern := muxPattern(mux, r); pattern != "" {
			SetRoute(r.Context(), pattern)
		}
		mux.ServeHTTP(w, r)
	})
}

// muxPattern returns the pattern mux would pick for r without its method
// prefix, or "" when nothing matches.
func muxPattern(mux *http.ServeMux, r *http.Request) string {
	_, pattern := mux.Handler(r)
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = pattern[i+1:]
	}
	return pattern
}
