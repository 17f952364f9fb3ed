// Package echo mounts Echo routers behind the httpserver pipeline.
//
// The server pipeline labels metrics and spans with the route template of
// the request. Echo resolves routes itself, so TrackRoutes reports the
// matched template (for example "/users/:id") back to the pipeline.
//
// # Quick Start
//
//	e := echoservekit.New()
//	e.GET("/users/:id", getUser)
//
//	server, err := httpserver.New(
//	    httpserver.WithServiceName("users"),
//	    httpserver.WithHandler(e),
//	)
//
// Embedder stages can also be scoped to a group:
//
//	internal := e.Group("/internal", echoservekit.ServiceAuth(authCfg))
package echo

import (
	"errors"
	"net/http"
	"sync"

	echolib "github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/kroma-labs/servekit/health"
	"github.com/kroma-labs/servekit/httpserver"
)

// New returns an Echo instance that reports matched routes to the pipeline
// and writes errors in the httpserver error format.
func New() *echolib.Echo {
	e := echolib.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler
	e.Use(TrackRoutes(e))
	return e
}

// TrackRoutes returns Echo middleware that records the matched route
// template. Requests that matched no registered route keep the "unmatched"
// label.
func TrackRoutes(e *echolib.Echo) echolib.MiddlewareFunc {
	var known sync.Map

	registered := func(path string) bool {
		if _, ok := known.Load(path); ok {
			return true
		}
		for _, rt := range e.Routes() {
			if rt.Path == path {
				known.Store(path, struct{}{})
				return true
			}
		}
		return false
	}

	return func(next echolib.HandlerFunc) echolib.HandlerFunc {
		return func(c echolib.Context) error {
			if route := c.Path(); route != "" && registered(route) {
				httpserver.SetRoute(c.Request().Context(), route)
			}
			return next(c)
		}
	}
}

// ErrorHandler writes Echo errors with httpserver.WriteErr, so Echo routes
// answer with the same error body as the rest of the server.
func ErrorHandler(err error, c echolib.Context) {
	if c.Response().Committed {
		return
	}

	var he *echolib.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		err = httpserver.WrapError(he.Code, msg, err)
	}
	httpserver.WriteErr(c.Response(), c.Request(), err)
}

// WrapMiddleware adapts httpserver middleware to Echo middleware.
//
// The rest of the Echo chain writes through the writer the middleware
// handed down, and handler errors are rendered before the middleware
// returns, so middleware that inspects the response sees the final status.
//
//	e.Use(echoservekit.WrapMiddleware(myCustomMiddleware))
func WrapMiddleware(m httpserver.Middleware) echolib.MiddlewareFunc {
	return func(next echolib.HandlerFunc) echolib.HandlerFunc {
		return func(c echolib.Context) error {
			res := c.Response()
			orig := res.Writer

			handler := m(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				res.Writer = w
				c.SetRequest(r)
				if err := next(c); err != nil {
					c.Error(err)
				}
				res.Writer = orig
			}))
			handler.ServeHTTP(orig, c.Request())
			return nil
		}
	}
}

// WrapStage adapts a pipeline stage to Echo middleware.
func WrapStage(s httpserver.Stage) echolib.MiddlewareFunc {
	return WrapMiddleware(s.Wrap)
}

// RateLimit returns Echo middleware for token bucket rate limiting.
//
//	api := e.Group("/api", echoservekit.RateLimit(httpserver.RateLimitConfig{
//	    Limit: 100,
//	    Burst: 200,
//	}))
func RateLimit(cfg httpserver.RateLimitConfig) echolib.MiddlewareFunc {
	return WrapMiddleware(httpserver.RateLimit(cfg))
}

// RateLimitByIP returns Echo middleware that rate limits per client IP.
func RateLimitByIP(limit rate.Limit, burst int) echolib.MiddlewareFunc {
	return WrapMiddleware(httpserver.RateLimitByIP(limit, burst))
}

// ServiceAuth returns Echo middleware for service-to-service auth.
func ServiceAuth(cfg httpserver.ServiceAuthConfig) echolib.MiddlewareFunc {
	return WrapMiddleware(httpserver.ServiceAuth(cfg))
}

// CircuitBreaker returns Echo middleware that sheds load while the wrapped
// routes keep failing.
func CircuitBreaker(cfg httpserver.CircuitBreakerConfig) echolib.MiddlewareFunc {
	return WrapMiddleware(httpserver.CircuitBreaker(cfg))
}

// WrapError adapts an error-returning handler to Echo. Returned errors go
// through Echo's error handler.
func WrapError(h httpserver.HandlerFunc) echolib.HandlerFunc {
	return func(c echolib.Context) error {
		return h(c.Response(), c.Request())
	}
}

// RegisterHealth mounts the liveness and readiness endpoints on an Echo
// instance, for deployments that probe the application port.
func RegisterHealth(e *echolib.Echo, state *health.State) {
	e.GET(httpserver.LivenessPath, echolib.WrapHandler(httpserver.LiveHandler(state)))
	e.GET(httpserver.ReadinessPath, echolib.WrapHandler(httpserver.ReadyHandler(state)))
}
