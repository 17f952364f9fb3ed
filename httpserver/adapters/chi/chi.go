// Package chi mounts chi routers behind the httpserver pipeline.
//
// chi middleware already has the httpserver.Middleware shape, so embedder
// stages plug into chi directly:
//
//	r := chiservekit.NewRouter()
//	r.With(httpserver.RateLimitByIP(100, 200)).Get("/search", search)
//
// What chi cannot do on its own is tell the pipeline which route matched.
// NewRouter and Handler resolve the route template (for example
// "/users/{id}") before any stage runs, so a request that times out is
// still labeled with its route.
package chi

import (
	"net/http"

	chilib "github.com/go-chi/chi/v5"

	"github.com/kroma-labs/servekit/health"
	"github.com/kroma-labs/servekit/httpserver"
)

// Router is a chi router whose ServeHTTP records the matched route template.
type Router struct {
	chilib.Router
}

// NewRouter returns a chi router that reports matched routes to the
// pipeline.
//
//	r := chiservekit.NewRouter()
//	r.Get("/users/{id}", getUser)
//	server, err := httpserver.New(httpserver.WithHandler(r))
func NewRouter() *Router {
	return &Router{Router: chilib.NewRouter()}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if pattern := Pattern(rt.Router, r); pattern != "" {
		httpserver.SetRoute(r.Context(), pattern)
	}
	rt.Router.ServeHTTP(w, r)
}

// Handler wraps an existing chi router so it records the matched route
// template.
func Handler(r chilib.Router) http.Handler {
	return &Router{Router: r}
}

// Pattern returns the route template routes would pick for r, or "" when
// nothing matches.
func Pattern(routes chilib.Routes, r *http.Request) string {
	path := r.URL.RawPath
	if path == "" {
		path = r.URL.Path
	}

	rctx := chilib.NewRouteContext()
	if !routes.Match(rctx, r.Method, path) {
		return ""
	}
	return rctx.RoutePattern()
}

// WrapError adapts an error-returning handler to a chi handler func.
//
//	r.Get("/users/{id}", chiservekit.WrapError(getUser))
func WrapError(h httpserver.HandlerFunc) http.HandlerFunc {
	return h.ServeHTTP
}

// RegisterHealth mounts the liveness and readiness endpoints on a chi
// router, for deployments that probe the application port.
func RegisterHealth(r chilib.Router, state *health.State) {
	r.Method(http.MethodGet, httpserver.LivenessPath, httpserver.LiveHandler(state))
	r.Method(http.MethodGet, httpserver.ReadinessPath, httpserver.ReadyHandler(state))
}
