package httpserver

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/kroma-labs/servekit/health"
)

// Option configures the server.
type Option func(*Config)

// WithConfig applies all settings from a Config struct.
//
// Use one of the preset configurations (DefaultConfig, ProductionConfig,
// DevelopmentConfig) or the result of config.Load as a starting point.
// Options given after WithConfig override its fields.
//
// Example:
//
//	cfg := httpserver.ProductionConfig()
//	cfg.AppAddress = ":9090"
//
//	server, err := httpserver.New(
//	    httpserver.WithConfig(cfg),
//	    httpserver.WithHandler(mux),
//	)
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithServiceName sets the service name used by tracing, metrics and logs.
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// WithAppAddress sets the host:port of the application listener.
func WithAppAddress(addr string) Option {
	return func(c *Config) {
		c.AppAddress = addr
	}
}

// WithMetricsHealthPort sets the port of the metrics/health listener.
func WithMetricsHealthPort(port int) Option {
	return func(c *Config) {
		c.MetricsHealthPort = port
	}
}

// WithMetricsHealthHost sets the bind host of the metrics/health listener,
// for example "127.0.0.1" to keep it off public interfaces.
func WithMetricsHealthHost(host string) Option {
	return func(c *Config) {
		c.MetricsHealthHost = host
	}
}

// WithRequestTimeout sets the per-request deadline. 0 disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithShutdownTimeout sets the graceful shutdown grace period.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithHandler sets the HTTP handler for the server.
//
// A *http.ServeMux is wrapped so the matched pattern becomes the route
// label of metrics and spans. Other routers report their templates through
// SetRoute or one of the adapters packages.
//
// Example:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("GET /users/{id}", getUser)
//
//	server, err := httpserver.New(
//	    httpserver.WithHandler(mux),
//	)
func WithHandler(h http.Handler) Option {
	return func(c *Config) {
		c.Handler = h
	}
}

// WithGRPC serves gRPC calls on the application listener through the same
// pipeline. Register services on srv before calling Serve.
//
// Example:
//
//	gs := grpc.NewServer()
//	pb.RegisterGreeterServer(gs, greeter)
//	health.RegisterGRPC(gs, state)
//
//	server, err := httpserver.New(httpserver.WithGRPC(gs))
func WithGRPC(srv *grpc.Server) Option {
	return func(c *Config) {
		c.GRPCServer = srv
	}
}

// WithLogger sets the server logger.
//
// It receives lifecycle events and panics and is attached to every request
// context, so handlers can use zerolog.Ctx(r.Context()).
//
// Example:
//
//	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
//	server, err := httpserver.New(
//	    httpserver.WithLogger(logger),
//	    httpserver.WithHandler(mux),
//	)
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithHealth sets the health state served on /health/live and
// /health/ready. Without it the server reports always live and ready.
//
// Example:
//
//	state := health.NewState(true, false)
//	server, err := httpserver.New(
//	    httpserver.WithHealth(state),
//	    httpserver.WithHandler(mux),
//	)
//	// later, once dependencies are reachable
//	state.SetReady(true)
func WithHealth(state *health.State) Option {
	return func(c *Config) {
		c.Health = state
	}
}

// WithStage appends embedder stages. They run after the built-in stages,
// in the order given.
//
// Example:
//
//	server, err := httpserver.New(
//	    httpserver.WithHandler(mux),
//	    httpserver.WithStage(
//	        httpserver.NewStage("cors", httpserver.CORS(httpserver.DefaultCORSConfig())),
//	        tenantStage,
//	    ),
//	)
func WithStage(stages ...Stage) Option {
	return func(c *Config) {
		c.Stages = append(c.Stages, stages...)
	}
}

// WithMiddleware appends plain middleware as embedder stages named
// "middleware-1", "middleware-2" and so on.
func WithMiddleware(ms ...Middleware) Option {
	return func(c *Config) {
		for _, m := range ms {
			c.Stages = append(c.Stages, NewStage(fmt.Sprintf("middleware-%d", len(c.Stages)+1), m))
		}
	}
}

// WithTracing toggles the Tracing stage and sets the provider and
// propagator it uses. Nil values keep the OTel globals.
//
// Example:
//
//	tp, _ := telemetry.NewTracerProvider(ctx, telemetry.DefaultConfig())
//	server, err := httpserver.New(
//	    httpserver.WithTracing(true, tp, propagation.TraceContext{}),
//	    httpserver.WithHandler(mux),
//	)
func WithTracing(enabled bool, tp trace.TracerProvider, prop propagation.TextMapPropagator) Option {
	return func(c *Config) {
		c.TracingEnabled = enabled
		c.TracerProvider = tp
		c.Propagator = prop
	}
}

// WithMetrics toggles the Metrics stage and sets its latency buckets.
// Empty buckets keep the current ones.
func WithMetrics(enabled bool, buckets ...float64) Option {
	return func(c *Config) {
		c.MetricsEnabled = enabled
		if len(buckets) > 0 {
			c.MetricsBuckets = buckets
		}
	}
}

// WithRegistry registers the server's metrics on reg instead of a private
// registry. /metrics serves reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = reg
	}
}

// WithIDGenerator replaces the UUIDv4 request ID generator.
//
// Example:
//
//	httpserver.WithIDGenerator(httpserver.ULIDGenerator())
func WithIDGenerator(gen IDGenerator) Option {
	return func(c *Config) {
		c.IDGenerator = gen
	}
}

// WithLogging enables the access log stage.
//
// Example:
//
//	server, err := httpserver.New(
//	    httpserver.WithLogging(httpserver.LoggerConfig{
//	        LogRequestBody: true,
//	        SkipPaths: []string{"/favicon.ico"},
//	    }),
//	    httpserver.WithHandler(mux),
//	)
func WithLogging(cfg LoggerConfig) Option {
	return func(c *Config) {
		c.RequestLogging = true
		c.LoggerConfig = &cfg
	}
}

// WithRateLimit adds a "rate_limit" stage.
//
// For per-endpoint rate limiting, use the RateLimit middleware directly
// on specific routes instead.
//
// Example:
//
//	server, err := httpserver.New(
//	    httpserver.WithRateLimit(httpserver.RateLimitConfig{
//	        Limit: 100,  // 100 requests per second
//	        Burst: 200,  // Allow bursts up to 200
//	    }),
//	    httpserver.WithHandler(mux),
//	)
func WithRateLimit(cfg RateLimitConfig) Option {
	return WithStage(NewStage("rate_limit", RateLimit(cfg)))
}

// WithCORS adds a "cors" stage.
func WithCORS(cfg CORSConfig) Option {
	return WithStage(NewStage("cors", CORS(cfg)))
}

// WithServiceAuth adds a "service_auth" stage.
func WithServiceAuth(cfg ServiceAuthConfig) Option {
	return WithStage(NewStage("service_auth", ServiceAuth(cfg)))
}

// WithCircuitBreaker adds a "circuit_breaker" stage.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return WithStage(NewStage("circuit_breaker", CircuitBreaker(cfg)))
}

// WithPprof mounts pprof on the metrics/health listener, behind basic auth
// when username and password are both set.
func WithPprof(username, password string) Option {
	return func(c *Config) {
		c.PprofEnabled = true
		c.PprofUsername = username
		c.PprofPassword = password
	}
}

// WithTLS serves the application listener over HTTPS.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Config) {
		c.TLSConfig = cfg
	}
}
