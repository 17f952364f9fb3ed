package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName    = "github.com/kroma-labs/servekit/httpserver"
	instrumentationVersion = "1.0.0"
)

// Request outcomes recorded on http.server.requests.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeFault   = "fault"
)

// Metrics records per-request server metrics using OpenTelemetry.
//
// Series are labeled by method, route template and status class, never by
// raw path or request ID.
type Metrics struct {
	requestDuration metric.Float64Histogram
	responseSize    metric.Int64Histogram
	activeRequests  metric.Int64UpDownCounter
	requestTotal    metric.Int64Counter

	constAttrs []attribute.KeyValue
	skipPaths  map[string]bool
}

var _ TimeoutObserver = (*Metrics)(nil)

// MetricsConfig configures the metrics middleware.
type MetricsConfig struct {
	// MeterProvider is the OTel meter provider.
	// If nil, uses otel.GetMeterProvider().
	MeterProvider metric.MeterProvider

	// SkipPaths are paths that should not be recorded.
	SkipPaths []string

	// Buckets for request duration histogram (in seconds).
	// Default: [0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10]
	DurationBuckets []float64

	// ConstLabels are added to every request series.
	ConstLabels map[string]string
}

// DefaultDurationBuckets are the default latency bucket boundaries in seconds.
func DefaultDurationBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
}

// DefaultMetricsConfig returns a default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		MeterProvider:   otel.GetMeterProvider(),
		DurationBuckets: DefaultDurationBuckets(),
	}
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = DefaultDurationBuckets()
	}

	meter := cfg.MeterProvider.Meter(
		instrumentationName,
		metric.WithInstrumentationVersion(instrumentationVersion),
	)

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of HTTP requests that completed in their handler"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cfg.DurationBuckets...),
	)
	if err != nil {
		return nil, err
	}

	responseSize, err := meter.Int64Histogram(
		"http.server.response.body.size",
		metric.WithDescription("Size of HTTP response bodies in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"http.server.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("HTTP requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		requestDuration: requestDuration,
		responseSize:    responseSize,
		activeRequests:  activeRequests,
		requestTotal:    requestTotal,
		skipPaths:       make(map[string]bool, len(cfg.SkipPaths)),
	}
	for _, p := range cfg.SkipPaths {
		m.skipPaths[p] = true
	}
	for k, v := range cfg.ConstLabels {
		m.constAttrs = append(m.constAttrs, attribute.String(k, v))
	}
	return m, nil
}

// Middleware returns middleware that records HTTP metrics.
//
// Metrics recorded:
//   - http.server.request.duration: handler latency histogram
//   - http.server.requests: request counter with an outcome label
//     (success, error, timeout, fault)
//   - http.server.response.body.size: response body size histogram
//   - http.server.active_requests: in-flight request gauge
//
// A request that the Timeout stage answered is counted once with outcome
// "timeout" and contributes no latency sample.
//
// Example:
//
//	metrics, _ := httpserver.NewMetrics(httpserver.DefaultMetricsConfig())
//	handler := metrics.Middleware()(myHandler)
func (m *Metrics) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			r, st := withRequestState(r)
			ctx := context.WithoutCancel(r.Context())
			start := time.Now()

			method := metric.WithAttributes(attribute.String("http.request.method", normalizeMethod(r.Method)))
			m.activeRequests.Add(ctx, 1, method)
			defer m.activeRequests.Add(ctx, -1, method)

			wrapped := newStatusRecorder(w)

			defer func() {
				if p := recover(); p != nil {
					if st.claim(outcomeCompleted) {
						m.record(ctx, r, st, http.StatusInternalServerError, OutcomeFault, time.Since(start), wrapped.BytesWritten())
					}
					panic(p)
				}
			}()

			next.ServeHTTP(wrapped, r)

			if !st.claim(outcomeCompleted) {
				// Already reported as a timeout.
				return
			}

			status := wrapped.Status()
			outcome := OutcomeSuccess
			if status >= http.StatusInternalServerError {
				outcome = OutcomeError
			}
			m.record(ctx, r, st, status, outcome, time.Since(start), wrapped.BytesWritten())
		})
	}
}

// ObserveTimeout counts a request that the Timeout stage answered.
func (m *Metrics) ObserveTimeout(r *http.Request, route string) {
	attrs := m.attrs(r.Method, route, http.StatusRequestTimeout, attribute.String("outcome", OutcomeTimeout))
	m.requestTotal.Add(context.WithoutCancel(r.Context()), 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) record(
	ctx context.Context,
	r *http.Request,
	st *requestState,
	status int,
	outcome string,
	elapsed time.Duration,
	bytes int,
) {
	attrs := m.attrs(r.Method, routeLabel(st), status)
	base := metric.WithAttributes(attrs...)

	m.requestDuration.Record(ctx, elapsed.Seconds(), base)
	m.responseSize.Record(ctx, int64(bytes), base)
	m.requestTotal.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", outcome))...))
}

func (m *Metrics) attrs(method, route string, status int, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3+len(m.constAttrs)+len(extra))
	attrs = append(attrs,
		attribute.String("http.request.method", normalizeMethod(method)),
		attribute.String("http.route", route),
		attribute.String("http.status_class", statusClass(status)),
	)
	attrs = append(attrs, m.constAttrs...)
	return append(attrs, extra...)
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// normalizeMethod folds unknown methods into one label value.
func normalizeMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return method
	}
	return "_OTHER"
}
