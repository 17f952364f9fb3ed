package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
)

// TracingConfig configures the Tracing stage. Nil providers fall back to
// the otel globals.
type TracingConfig struct {
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator

	// ServiceName is recorded as service.name on every span.
	ServiceName string

	// SkipPaths are served without a span.
	SkipPaths []string

	// SpanNameFormatter names the span once the route is known. gRPC spans
	// are always named after the full method.
	SpanNameFormatter func(r *http.Request, route string) string
}

// DefaultTracingConfig returns a TracingConfig using the global tracer
// provider and propagator. HTTP spans are named "METHOD route", or just the
// method for unmatched requests.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerProvider:    otel.GetTracerProvider(),
		Propagator:        otel.GetTextMapPropagator(),
		SpanNameFormatter: defaultSpanName,
	}
}

func defaultSpanName(r *http.Request, route string) string {
	if route == RouteUnmatched {
		return r.Method
	}
	return r.Method + " " + route
}

// Tracing starts a server span per request, continuing the caller's trace
// when the propagator finds one. The span is renamed after the route once
// the router reported it and ends exactly once, panics included.
//
// Server errors, timeouts and panics mark the span as an error. gRPC calls
// get rpc.* attributes and are marked as errors for the status codes that
// blame the server.
func Tracing(cfg TracingConfig) Middleware {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.SpanNameFormatter == nil {
		cfg.SpanNameFormatter = defaultSpanName
	}

	tracer := cfg.TracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))

	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			r, st := withRequestState(r)
			grpcCall := isGRPC(r)

			ctx := cfg.Propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r, cfg.ServiceName, grpcCall)...),
			)
			rec := newStatusRecorder(w)

			defer func() {
				route := routeLabel(st)
				span.SetAttributes(semconv.HTTPRoute(route))
				if grpcCall {
					span.SetName(strings.TrimPrefix(r.URL.Path, "/"))
				} else {
					span.SetName(cfg.SpanNameFormatter(r, route))
				}

				if p := recover(); p != nil {
					span.SetAttributes(semconv.HTTPResponseStatusCode(http.StatusInternalServerError))
					span.SetStatus(codes.Error, fmt.Sprint(unwrapPanic(p)))
					span.End()
					panic(p)
				}

				finishSpan(span, st, rec, grpcCall)
				span.End()
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

func requestAttributes(r *http.Request, service string, grpcCall bool) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 11)
	attrs = append(attrs,
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLPath(r.URL.Path),
		semconv.ServerAddress(r.Host),
		semconv.UserAgentOriginal(r.UserAgent()),
		semconv.ClientAddress(r.RemoteAddr),
		semconv.NetworkProtocolVersion(strconv.Itoa(r.ProtoMajor)+"."+strconv.Itoa(r.ProtoMinor)),
	)
	if service != "" {
		attrs = append(attrs, semconv.ServiceName(service))
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		attrs = append(attrs, attribute.String("request.id", id))
	}
	if grpcCall {
		attrs = append(attrs, semconv.RPCSystemGRPC)
		if svc, method, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/"); ok {
			attrs = append(attrs, semconv.RPCService(svc), semconv.RPCMethod(method))
		}
	}
	return attrs
}

func finishSpan(span trace.Span, st *requestState, rec *statusRecorder, grpcCall bool) {
	status := rec.Status()
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))

	if st.timedOut() {
		span.SetAttributes(attribute.Bool("http.timeout", true))
		span.SetStatus(codes.Error, "request timeout")
		return
	}

	if grpcCall {
		code, err := strconv.Atoi(rec.Header().Get("Grpc-Status"))
		if err != nil {
			return
		}
		span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(code))
		if serverFault(grpccodes.Code(code)) {
			span.SetStatus(codes.Error, grpccodes.Code(code).String())
		}
		return
	}

	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// serverFault reports the gRPC codes that count as server errors on a
// server span.
func serverFault(c grpccodes.Code) bool {
	switch c {
	case grpccodes.Unknown, grpccodes.DeadlineExceeded, grpccodes.Unimplemented,
		grpccodes.Internal, grpccodes.Unavailable, grpccodes.DataLoss:
		return true
	}
	return false
}
