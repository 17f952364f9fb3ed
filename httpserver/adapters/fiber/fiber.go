// Package fiber mounts Fiber apps behind the httpserver pipeline.
//
// Fiber runs on fasthttp, not net/http. Handler bridges the two and carries
// the pipeline's request context into the app: with TrackRoutes installed
// (New does it), c.UserContext() returns that context, with its request ID,
// span and deadline, and the matched route template is reported back once
// the handler returns.
//
// # Quick Start
//
//	app := fiberservekit.New()
//	app.Get("/users/:id", getUser)
//
//	server, err := httpserver.New(
//	    httpserver.WithServiceName("users"),
//	    httpserver.WithHandler(fiberservekit.Handler(app)),
//	)
//
// # Stage Limitations
//
// WrapMiddleware runs an httpserver middleware to completion before the
// Fiber chain continues. Only gate stages that decide on the request alone
// (rate limiting, service auth) make sense there; stages that inspect the
// response belong on the server pipeline.
package fiber

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/kroma-labs/servekit/health"
	"github.com/kroma-labs/servekit/httpserver"
)

type requestContextKey struct{}

// New returns a Fiber app that picks up the pipeline's request context,
// reports matched routes and writes errors in the httpserver error format.
func New(config ...fiber.Config) *fiber.App {
	var cfg fiber.Config
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = ErrorHandler
	}
	if cfg.JSONEncoder == nil {
		cfg.JSONEncoder = json.Marshal
	}
	if cfg.JSONDecoder == nil {
		cfg.JSONDecoder = json.Unmarshal
	}
	cfg.DisableStartupMessage = true

	app := fiber.New(cfg)
	app.Use(TrackRoutes())
	return app
}

// Handler returns an http.Handler serving app.
//
//	server, err := httpserver.New(httpserver.WithHandler(fiberservekit.Handler(app)))
func Handler(app *fiber.App) http.Handler {
	handler := app.Handler()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := fasthttp.AcquireRequest()
		defer fasthttp.ReleaseRequest(req)

		if r.Body != nil {
			n, err := io.Copy(req.BodyWriter(), r.Body)
			if err != nil {
				httpserver.WriteErr(w, r, httpserver.WrapError(http.StatusBadRequest, "failed to read request body", err))
				return
			}
			req.Header.SetContentLength(int(n))
		}

		uri := r.RequestURI
		if uri == "" {
			uri = r.URL.RequestURI()
		}
		req.Header.SetMethod(r.Method)
		req.SetRequestURI(uri)
		req.SetHost(r.Host)
		req.Header.SetHost(r.Host)
		for key, vals := range r.Header {
			for _, v := range vals {
				req.Header.Add(key, v)
			}
		}

		var fctx fasthttp.RequestCtx
		fctx.Init(req, remoteAddr(r), nil)
		fctx.SetUserValue(requestContextKey{}, r.Context())

		handler(&fctx)

		fctx.Response.Header.VisitAll(func(k, v []byte) {
			w.Header().Add(string(k), string(v))
		})
		w.WriteHeader(fctx.Response.StatusCode())
		_, _ = w.Write(fctx.Response.Body())
	})
}

func remoteAddr(r *http.Request) net.Addr {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	p, _ := strconv.Atoi(port)
	return &net.TCPAddr{IP: net.ParseIP(host), Port: p}
}

// TrackRoutes returns Fiber middleware that hands the pipeline's request
// context to the app through c.UserContext and records the matched route
// template once the chain returns. Requests that matched no route keep the
// "unmatched" label.
func TrackRoutes() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, ok := c.Context().UserValue(requestContextKey{}).(context.Context)
		if !ok {
			return c.Next()
		}
		c.SetUserContext(ctx)

		self := c.Route()
		err := c.Next()
		if rt := c.Route(); rt != self && !unmatched(err) {
			httpserver.SetRoute(ctx, rt.Path)
		}
		return err
	}
}

// unmatched reports whether err is the error Fiber returns when the route
// stack runs out without a handler for the request. c.Route then still
// points at the last Use route that ran.
func unmatched(err error) bool {
	if errors.Is(err, fiber.ErrMethodNotAllowed) {
		return true
	}
	var fe *fiber.Error
	return errors.As(err, &fe) && fe.Code == fiber.StatusNotFound && strings.HasPrefix(fe.Message, "Cannot ")
}

// ErrorHandler writes Fiber errors in the httpserver error format.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status, message := http.StatusInternalServerError, "internal server error"

	var (
		se *httpserver.StatusError
		fe *fiber.Error
	)
	switch {
	case errors.As(err, &se):
		status, message = se.Status, se.Message
	case errors.As(err, &fe):
		status, message = fe.Code, fe.Message
	}

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.UserContext()).Error().
			Err(err).
			Int("status", status).
			Msg("request failed")
	}

	return c.Status(status).JSON(httpserver.Response[any]{
		Errors:    []httpserver.Error{{Field: "request", Message: message}},
		Message:   message,
		RequestID: c.Get(httpserver.RequestIDHeader),
	})
}

// WrapMiddleware adapts httpserver middleware to Fiber middleware. See the
// package documentation for which stages fit.
//
//	app.Use(fiberservekit.WrapMiddleware(myGateMiddleware))
func WrapMiddleware(m httpserver.Middleware) fiber.Handler {
	return adaptor.HTTPMiddleware(func(next http.Handler) http.Handler {
		return m(next)
	})
}

// RateLimit returns Fiber middleware for token bucket rate limiting.
//
//	api := app.Group("/api", fiberservekit.RateLimit(httpserver.RateLimitConfig{
//	    Limit: 100,
//	    Burst: 200,
//	}))
func RateLimit(cfg httpserver.RateLimitConfig) fiber.Handler {
	return WrapMiddleware(httpserver.RateLimit(cfg))
}

// RateLimitByIP returns Fiber middleware that rate limits per client IP.
func RateLimitByIP(limit rate.Limit, burst int) fiber.Handler {
	return WrapMiddleware(httpserver.RateLimitByIP(limit, burst))
}

// ServiceAuth returns Fiber middleware for service-to-service auth.
func ServiceAuth(cfg httpserver.ServiceAuthConfig) fiber.Handler {
	return WrapMiddleware(httpserver.ServiceAuth(cfg))
}

// RegisterHealth mounts the liveness and readiness endpoints on a Fiber
// router, for deployments that probe the application port.
func RegisterHealth(r fiber.Router, state *health.State) {
	r.Get(httpserver.LivenessPath, adaptor.HTTPHandler(httpserver.LiveHandler(state)))
	r.Get(httpserver.ReadinessPath, adaptor.HTTPHandler(httpserver.ReadyHandler(state)))
}
