// Package telemetry builds the OpenTelemetry tracer provider and propagator
// a servekit server traces with.
//
// # Quick Start
//
//	provider, err := telemetry.Setup(ctx, telemetry.Config{
//	    ServiceName: "orders",
//	    Exporter:    telemetry.ExporterOTLPGRPC,
//	    Endpoint:    "otel-collector:4317",
//	    Insecure:    true,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer provider.Shutdown(context.Background())
//
//	server, err := httpserver.New(
//	    httpserver.WithTracing(true, provider.TracerProvider(), provider.Propagator()),
//	    httpserver.WithHandler(mux),
//	)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter names where spans are sent.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
)

// ErrInvalidConfig is returned when Config fails validation.
var ErrInvalidConfig = errors.New("telemetry: invalid config")

// Config configures the tracer provider. Fields with a mapstructure tag
// can be loaded by config.Load under the "telemetry" key.
type Config struct {
	// ServiceName is the service.name resource attribute.
	// Default: "servekit"
	ServiceName string `mapstructure:"service_name"`

	// ServiceVersion is the service.version resource attribute.
	ServiceVersion string `mapstructure:"service_version"`

	// Environment is the deployment.environment resource attribute.
	Environment string `mapstructure:"environment"`

	// Exporter selects where spans go. Default: ExporterNone, which keeps
	// span contexts and propagation working without exporting anything.
	Exporter Exporter `mapstructure:"exporter"`

	// Endpoint is the collector host:port for OTLP exporters. Empty falls
	// back to the OTEL_EXPORTER_OTLP_* environment variables.
	Endpoint string `mapstructure:"endpoint"`

	// Insecure disables TLS for OTLP exporters.
	Insecure bool `mapstructure:"insecure"`

	// Headers are sent with every OTLP export.
	Headers map[string]string `mapstructure:"headers"`

	// SampleRatio is the fraction of root spans sampled, in [0, 1].
	// Child spans follow their parent. Default: 1.
	SampleRatio float64 `mapstructure:"sample_ratio"`

	// BatchTimeout is the longest a span waits before export.
	// Default: 5s
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`

	// ResourceAttributes are added to the resource.
	ResourceAttributes map[string]string `mapstructure:"resource_attributes"`

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer `mapstructure:"-"`
}

// DefaultConfig returns a configuration that traces every request and
// exports nothing.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "servekit",
		Exporter:     ExporterNone,
		SampleRatio:  1,
		BatchTimeout: 5 * time.Second,
	}
}

// Validate reports every problem in c.
func (c Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name must not be empty"))
	}
	switch c.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP:
	default:
		errs = append(errs, fmt.Errorf("exporter %q: want one of none, stdout, otlp-grpc, otlp-http", c.Exporter))
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("sample_ratio %v: must be within [0, 1]", c.SampleRatio))
	}
	if c.BatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("batch_timeout %s: must not be negative", c.BatchTimeout))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Provider owns a tracer provider and the propagator that goes with it.
type Provider struct {
	tp         *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// NewProvider builds a tracer provider from cfg without touching the OTel
// globals.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create %s exporter: %w", cfg.Exporter, err)
	}
	if exporter != nil {
		batch := []sdktrace.BatchSpanProcessorOption{}
		if cfg.BatchTimeout > 0 {
			batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	return &Provider{
		tp: sdktrace.NewTracerProvider(opts...),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}, nil
}

// Setup builds a provider with NewProvider and installs it, its
// propagator, and an error handler logging to logger as the OTel globals.
func Setup(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	p, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(p.propagator)
	otel.SetErrorHandler(ErrorHandler(logger))

	logger.Info().
		Str("exporter", string(cfg.Exporter)).
		Str("endpoint", cfg.Endpoint).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("tracing configured")
	return p, nil
}

// ErrorHandler returns an OTel error handler that logs export and
// instrumentation errors at warn level.
func ErrorHandler(logger zerolog.Logger) otel.ErrorHandler {
	return otel.ErrorHandlerFunc(func(err error) {
		logger.Warn().Err(err).Msg("opentelemetry error")
	})
}

// TracerProvider returns the provider to pass to httpserver.WithTracing.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// Propagator returns the W3C trace context and baggage propagator.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	return p.propagator
}

// ForceFlush exports all ended spans that have not been exported yet.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
}

func newSampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// newExporter returns nil for ExporterNone.
func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))

	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, nil
	}
}
