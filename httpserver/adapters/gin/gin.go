// Package gin mounts Gin routers behind the httpserver pipeline.
//
// The server pipeline labels metrics and spans with the route template of
// the request. Gin resolves routes itself, so TrackRoutes reports the
// matched template (for example "/users/:id") back to the pipeline.
//
// # Quick Start
//
//	r := ginservekit.New()
//	r.GET("/users/:id", getUser)
//
//	server, err := httpserver.New(
//	    httpserver.WithServiceName("users"),
//	    httpserver.WithHandler(r),
//	)
//
// Embedder stages can also be scoped to a route group:
//
//	admin := r.Group("/admin", ginservekit.ServiceAuth(authCfg))
package gin

import (
	"net/http"

	ginlib "github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kroma-labs/servekit/health"
	"github.com/kroma-labs/servekit/httpserver"
)

// New returns a Gin engine that reports matched routes to the pipeline.
//
// The engine has no Gin logger or recovery: the server pipeline already
// recovers panics and logs requests.
func New() *ginlib.Engine {
	r := ginlib.New()
	r.ContextWithFallback = true
	r.Use(TrackRoutes())
	return r
}

// TrackRoutes returns Gin middleware that records the matched route
// template. Unmatched requests keep the "unmatched" label.
func TrackRoutes() ginlib.HandlerFunc {
	return func(c *ginlib.Context) {
		if route := c.FullPath(); route != "" {
			httpserver.SetRoute(c.Request.Context(), route)
		}
		c.Next()
	}
}

// WrapMiddleware adapts httpserver middleware to Gin middleware.
//
// While the rest of the Gin chain runs, c.Writer writes through the writer
// the middleware handed down, so middleware that inspects the response
// (status, size) sees what Gin handlers wrote.
//
//	r.Use(ginservekit.WrapMiddleware(myCustomMiddleware))
func WrapMiddleware(m httpserver.Middleware) ginlib.HandlerFunc {
	return func(c *ginlib.Context) {
		var reached bool
		handler := m(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached = true
			orig := c.Writer
			c.Writer = &stageWriter{ResponseWriter: orig, w: w}
			c.Request = r
			c.Next()
			c.Writer = orig
		}))
		handler.ServeHTTP(c.Writer, c.Request)
		if !reached {
			// The middleware answered on its own.
			c.Abort()
		}
	}
}

// stageWriter sends Gin writes through a stage's response writer. Status
// bookkeeping stays on the Gin writer the stage eventually writes to.
type stageWriter struct {
	ginlib.ResponseWriter
	w http.ResponseWriter
}

func (sw *stageWriter) Header() http.Header         { return sw.w.Header() }
func (sw *stageWriter) WriteHeader(code int)        { sw.w.WriteHeader(code) }
func (sw *stageWriter) Write(b []byte) (int, error) { return sw.w.Write(b) }

func (sw *stageWriter) WriteString(s string) (int, error) {
	return sw.w.Write([]byte(s))
}

func (sw *stageWriter) WriteHeaderNow() {
	if !sw.Written() {
		sw.w.WriteHeader(sw.Status())
	}
}

// WrapStage adapts a pipeline stage to Gin middleware.
func WrapStage(s httpserver.Stage) ginlib.HandlerFunc {
	return WrapMiddleware(s.Wrap)
}

// RateLimit returns Gin middleware for token bucket rate limiting.
//
//	api := r.Group("/api", ginservekit.RateLimit(httpserver.RateLimitConfig{
//	    Limit: 100,
//	    Burst: 200,
//	}))
func RateLimit(cfg httpserver.RateLimitConfig) ginlib.HandlerFunc {
	return WrapMiddleware(httpserver.RateLimit(cfg))
}

// RateLimitByIP returns Gin middleware that rate limits per client IP.
func RateLimitByIP(limit rate.Limit, burst int) ginlib.HandlerFunc {
	return WrapMiddleware(httpserver.RateLimitByIP(limit, burst))
}

// ServiceAuth returns Gin middleware for service-to-service auth.
func ServiceAuth(cfg httpserver.ServiceAuthConfig) ginlib.HandlerFunc {
	return WrapMiddleware(httpserver.ServiceAuth(cfg))
}

// CircuitBreaker returns Gin middleware that sheds load while the wrapped
// routes keep failing.
func CircuitBreaker(cfg httpserver.CircuitBreakerConfig) ginlib.HandlerFunc {
	return WrapMiddleware(httpserver.CircuitBreaker(cfg))
}

// WrapHandler wraps an http.Handler as a Gin handler.
//
//	r.GET("/custom", ginservekit.WrapHandler(myHandler))
func WrapHandler(h http.Handler) ginlib.HandlerFunc {
	return func(c *ginlib.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// WrapError wraps an error-returning handler as a Gin handler. Errors are
// written with httpserver.WriteErr.
//
//	r.GET("/users/:id", ginservekit.WrapError(func(w http.ResponseWriter, r *http.Request) error {
//	    return httpserver.NewError(http.StatusNotFound, "user not found")
//	}))
func WrapError(h httpserver.HandlerFunc) ginlib.HandlerFunc {
	return WrapHandler(h)
}

// RegisterHealth mounts the liveness and readiness endpoints on a Gin
// router, for deployments that probe the application port.
func RegisterHealth(r ginlib.IRoutes, state *health.State) {
	r.GET(httpserver.LivenessPath, WrapHandler(httpserver.LiveHandler(state)))
	r.GET(httpserver.ReadinessPath, WrapHandler(httpserver.ReadyHandler(state)))
}
