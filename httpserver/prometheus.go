package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// metricsBackend turns OTel instruments into the Prometheus text served on
// /metrics. Each server owns one, so several servers in a process (or in
// parallel tests) never share series.
type metricsBackend struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	handler  http.Handler
}

func newMetricsBackend(serviceName string, reg *prometheus.Registry, logger zerolog.Logger) (*metricsBackend, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, fmt.Errorf("register runtime collector: %w", err)
			}
		}
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewSchemaless(semconv.ServiceName(serviceName))),
	)

	return &metricsBackend{
		registry: reg,
		provider: provider,
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog:      promLogger{logger: logger},
			ErrorHandling: promhttp.ContinueOnError,
		}),
	}, nil
}

func (b *metricsBackend) meterProvider() metric.MeterProvider {
	return b.provider
}

func (b *metricsBackend) shutdown(ctx context.Context) error {
	return b.provider.Shutdown(ctx)
}

// promLogger routes promhttp gather errors to zerolog.
type promLogger struct {
	logger zerolog.Logger
}

func (l promLogger) Println(v ...any) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}

// PrometheusHandler returns an http.Handler exposing reg in the Prometheus
// text format. A nil reg serves the default registry.
//
// Example:
//
//	mux.Handle("GET /metrics", httpserver.PrometheusHandler(reg))
func PrometheusHandler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
