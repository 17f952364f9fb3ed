package httpserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/kroma-labs/servekit/health"
)

// Config holds the server configuration.
//
// Use DefaultConfig(), ProductionConfig(), or DevelopmentConfig() to get
// a properly initialized configuration, then modify specific fields as needed.
// Fields with a mapstructure tag are the recognized options that
// config.Load reads from files, environment and flags. The rest are set
// in code through options.
//
// Example:
//
//	cfg := httpserver.DefaultConfig()
//	cfg.AppAddress = ":9090"
//	cfg.MetricsHealthPort = 9091
//
//	server, err := httpserver.New(
//	    httpserver.WithConfig(cfg),
//	    httpserver.WithHandler(mux),
//	)
type Config struct {
	// AppAddress is the host:port of the application listener.
	// Default: ":8080"
	AppAddress string `mapstructure:"app_address"`

	// MetricsHealthHost is the bind host of the metrics/health listener.
	// Empty binds all interfaces.
	MetricsHealthHost string `mapstructure:"metrics_health_host"`

	// MetricsHealthPort is the port of the metrics/health listener.
	// 0 lets the OS pick one. It must differ from the application port.
	// Default: 8081
	MetricsHealthPort int `mapstructure:"metrics_health_port"`

	// ServiceName names the tracer, the meter resource and lifecycle logs.
	// Default: "servekit"
	ServiceName string `mapstructure:"service_name"`

	// RequestTimeout bounds handler execution. 0 disables the Timeout stage.
	// Default: 10s
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// TracingEnabled adds the Tracing stage.
	TracingEnabled bool `mapstructure:"tracing_enabled"`

	// MetricsEnabled adds the Metrics stage. /metrics keeps serving runtime
	// collectors when it is off.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// MetricsBuckets are the latency histogram boundaries in seconds.
	MetricsBuckets []float64 `mapstructure:"metrics_buckets"`

	// MetricsConstLabels are added to every request series.
	MetricsConstLabels map[string]string `mapstructure:"metrics_const_labels"`

	// RequestLogging adds the access log stage after Metrics.
	RequestLogging bool `mapstructure:"request_logging"`

	// ShutdownTimeout is the grace period for in-flight requests once
	// shutdown starts. Connections still open afterwards are closed.
	//
	// Default: 15s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. A zero or negative value means no timeout.
	//
	// Setting this helps protect against slow-loris attacks where a client
	// sends data very slowly to hold connections open.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// ReadHeaderTimeout is the maximum duration for reading request headers.
	// If zero, ReadTimeout is used. If both are zero, there is no timeout.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. When set it must exceed RequestTimeout, otherwise the
	// connection is cut before the timeout response can be written.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request when
	// keep-alives are enabled. If zero, ReadTimeout is used.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values.
	//
	// Default: 1MB (1 << 20)
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`

	// MaxConnections caps concurrent connections on the application
	// listener. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections"`

	// PprofEnabled mounts /debug/pprof on the metrics/health listener.
	PprofEnabled bool `mapstructure:"pprof_enabled"`

	// PprofUsername and PprofPassword protect pprof with basic auth when
	// both are set.
	PprofUsername string `mapstructure:"pprof_username"`
	PprofPassword string `mapstructure:"pprof_password"`

	// Handler serves application requests. Required unless GRPCServer is set.
	Handler http.Handler `mapstructure:"-"`

	// GRPCServer receives gRPC calls arriving on the application listener.
	GRPCServer *grpc.Server `mapstructure:"-"`

	// Stages are embedder stages, run after the built-in ones in order.
	Stages []Stage `mapstructure:"-"`

	// Health is the state served on the health endpoints.
	// Default: health.AlwaysLiveAndReady()
	Health *health.State `mapstructure:"-"`

	// Logger receives lifecycle events and is attached to request contexts.
	Logger zerolog.Logger `mapstructure:"-"`

	// LoggerConfig tunes the access log stage.
	LoggerConfig *LoggerConfig `mapstructure:"-"`

	// TracerProvider and Propagator default to the OTel globals.
	TracerProvider trace.TracerProvider          `mapstructure:"-"`
	Propagator     propagation.TextMapPropagator `mapstructure:"-"`

	// Registry receives the server's metrics. Default: a private registry.
	Registry *prometheus.Registry `mapstructure:"-"`

	// IDGenerator creates request IDs. Default: UUIDv4.
	IDGenerator IDGenerator `mapstructure:"-"`

	// TLSConfig switches the application listener to HTTPS.
	TLSConfig *tls.Config `mapstructure:"-"`
}

// DefaultConfig returns a balanced configuration suitable for most use cases.
//
// Timeout values:
//   - RequestTimeout: 10s
//   - ReadTimeout: 15s
//   - WriteTimeout: 15s
//   - IdleTimeout: 60s
//   - ShutdownTimeout: 15s
func DefaultConfig() Config {
	return Config{
		AppAddress:        ":8080",
		MetricsHealthPort: 8081,
		ServiceName:       "servekit",
		RequestTimeout:    10 * time.Second,
		TracingEnabled:    true,
		MetricsEnabled:    true,
		MetricsBuckets:    DefaultDurationBuckets(),
		ShutdownTimeout:   15 * time.Second,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		Logger:            zerolog.Nop(),
	}
}

// ProductionConfig returns a hardened configuration optimized for production.
//
// Designed for Kubernetes environments where the default
// terminationGracePeriodSeconds is 30s.
//
// Timeout values:
//   - RequestTimeout: 8s
//   - ReadTimeout: 10s
//   - WriteTimeout: 10s
//   - IdleTimeout: 30s
//   - ShutdownTimeout: 25s (5s buffer before K8s SIGKILL at 30s)
func ProductionConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 8 * time.Second
	cfg.ReadTimeout = 10 * time.Second
	cfg.ReadHeaderTimeout = 5 * time.Second
	cfg.WriteTimeout = 10 * time.Second
	cfg.IdleTimeout = 30 * time.Second
	cfg.ShutdownTimeout = 25 * time.Second
	return cfg
}

// DevelopmentConfig returns a lenient configuration for local development.
//
// Key differences from DefaultConfig:
//   - No request, read or write timeouts (allows debugging with breakpoints)
//   - Access logging and pprof on
//   - Very short shutdown timeout (fast restart during iteration)
//
// Warning: Do not use this in production!
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 0
	cfg.ReadTimeout = 0
	cfg.ReadHeaderTimeout = 0
	cfg.WriteTimeout = 0
	cfg.IdleTimeout = 120 * time.Second
	cfg.ShutdownTimeout = 3 * time.Second
	cfg.RequestLogging = true
	cfg.PprofEnabled = true
	return cfg
}

// ValidateOptions checks the recognized options. It does not look at
// runtime-only fields such as Handler.
func (c Config) ValidateOptions() error {
	return joinInvalid(c.optionErrors())
}

func (c Config) optionErrors() []error {
	var errs []error

	appPort, err := portOf(c.AppAddress)
	if err != nil {
		errs = append(errs, fmt.Errorf("app_address %q: %w", c.AppAddress, err))
	}
	if c.MetricsHealthPort < 0 || c.MetricsHealthPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics_health_port %d: out of range", c.MetricsHealthPort))
	}
	if err == nil && appPort != 0 && appPort == c.MetricsHealthPort {
		errs = append(errs, fmt.Errorf(
			"app_address and metrics_health_port both use port %d", appPort))
	}

	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name must not be empty"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout %s: must not be negative", c.RequestTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout %s: must be positive", c.ShutdownTimeout))
	}
	if c.RequestTimeout > 0 && c.WriteTimeout > 0 && c.WriteTimeout <= c.RequestTimeout {
		errs = append(errs, fmt.Errorf(
			"write_timeout %s must exceed request_timeout %s", c.WriteTimeout, c.RequestTimeout))
	}
	if c.MetricsEnabled && len(c.MetricsBuckets) == 0 {
		errs = append(errs, errors.New("metrics_buckets must not be empty when metrics are enabled"))
	}
	for i := 1; i < len(c.MetricsBuckets); i++ {
		if c.MetricsBuckets[i] <= c.MetricsBuckets[i-1] {
			errs = append(errs, fmt.Errorf("metrics_buckets must be strictly increasing: %v", c.MetricsBuckets))
			break
		}
	}
	if c.MaxHeaderBytes < 0 {
		errs = append(errs, fmt.Errorf("max_header_bytes %d: must not be negative", c.MaxHeaderBytes))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections %d: must not be negative", c.MaxConnections))
	}
	if (c.PprofUsername == "") != (c.PprofPassword == "") {
		errs = append(errs, errors.New("pprof_username and pprof_password must be set together"))
	}
	return errs
}

// Validate checks the whole configuration, including the registered
// handlers and stages. New calls it before anything is bound.
func (c Config) Validate() error {
	errs := c.optionErrors()

	if c.Handler == nil && c.GRPCServer == nil {
		errs = append(errs, errors.New("a handler or a gRPC server is required (use WithHandler or WithGRPC)"))
	}

	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s == nil {
			errs = append(errs, fmt.Errorf("stage %d is nil", i))
			continue
		}
		if ms, ok := s.(middlewareStage); ok && ms.mw == nil {
			errs = append(errs, fmt.Errorf("stage %d (%q) has no middleware", i, ms.name))
			continue
		}
		switch name := s.Name(); {
		case name == "":
			errs = append(errs, fmt.Errorf("stage %d has no name", i))
		case builtinStages[name]:
			errs = append(errs, fmt.Errorf("stage %q collides with a built-in stage", name))
		case seen[name]:
			errs = append(errs, fmt.Errorf("stage %q registered twice", name))
		default:
			seen[name] = true
		}
	}

	return joinInvalid(errs)
}

func joinInvalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// portOf returns the numeric port of a host:port address. An empty port
// means OS-assigned and returns 0.
func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	if port == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		n, err = net.LookupPort("tcp", port)
		if err != nil {
			return 0, err
		}
	}
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}
