package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/servekit/httpserver"
)

func newTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		route      string
		status     int
		wantName   string
		wantStatus codes.Code
	}{
		{
			name:       "given matched route, when served, then span named after template",
			route:      "/users/{id}",
			status:     http.StatusOK,
			wantName:   "GET /users/{id}",
			wantStatus: codes.Unset,
		},
		{
			name:       "given no route, when served, then span named after method",
			status:     http.StatusNotFound,
			wantName:   "GET",
			wantStatus: codes.Unset,
		},
		{
			name:       "given server error, when served, then span marked as error",
			route:      "/users/{id}",
			status:     http.StatusServiceUnavailable,
			wantName:   "GET /users/{id}",
			wantStatus: codes.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tp, recorder := newTestTracer(t)
			handler := httpserver.Chain(
				httpserver.RequestID(func() string { return "req-1" }),
				httpserver.Tracing(httpserver.TracingConfig{
					TracerProvider: tp,
					Propagator:     propagation.TraceContext{},
					ServiceName:    "orders",
				}),
			)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.route != "" {
					httpserver.SetRoute(r.Context(), tt.route)
				}
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users/1", nil))

			spans := recorder.Ended()
			require.Len(t, spans, 1)
			span := spans[0]

			assert.Equal(t, tt.wantName, span.Name())
			assert.Equal(t, trace.SpanKindServer, span.SpanKind())
			assert.Equal(t, tt.wantStatus, span.Status().Code)

			status, ok := spanAttr(span, "http.response.status_code")
			require.True(t, ok)
			assert.Equal(t, int64(tt.status), status.AsInt64())

			id, ok := spanAttr(span, "request.id")
			require.True(t, ok)
			assert.Equal(t, "req-1", id.AsString())

			svc, ok := spanAttr(span, "service.name")
			require.True(t, ok)
			assert.Equal(t, "orders", svc.AsString())
		})
	}
}

func TestTracingMiddleware_Propagation(t *testing.T) {
	t.Parallel()

	t.Run("given traceparent header, when served, then span continues remote trace", func(t *testing.T) {
		t.Parallel()

		tp, recorder := newTestTracer(t)

		var handlerSpan trace.SpanContext
		handler := httpserver.Tracing(httpserver.TracingConfig{
			TracerProvider: tp,
			Propagator:     propagation.TraceContext{},
		})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerSpan = trace.SpanContextFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
		assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
		assert.Equal(t, spans[0].SpanContext().SpanID(), handlerSpan.SpanID())
	})
}

func TestTracingMiddleware_Failures(t *testing.T) {
	t.Parallel()

	t.Run("given panicking handler, when served, then span ends with error and panic continues", func(t *testing.T) {
		t.Parallel()

		tp, recorder := newTestTracer(t)
		handler := httpserver.Tracing(httpserver.TracingConfig{TracerProvider: tp})(
			http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		)

		assert.Panics(t, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, "boom", spans[0].Status().Description)
	})

	t.Run("given timed out request, when served, then span flagged as timeout", func(t *testing.T) {
		t.Parallel()

		tp, recorder := newTestTracer(t)
		handler := httpserver.Chain(
			httpserver.Tracing(httpserver.TracingConfig{TracerProvider: tp}),
			httpserver.Timeout(20*time.Millisecond),
		)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			time.Sleep(80 * time.Millisecond)
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)

		timedOut, ok := spanAttr(spans[0], "http.timeout")
		require.True(t, ok)
		assert.True(t, timedOut.AsBool())

		status, _ := spanAttr(spans[0], "http.response.status_code")
		assert.Equal(t, int64(http.StatusRequestTimeout), status.AsInt64())
	})

	t.Run("given skip path, when served, then no span is recorded", func(t *testing.T) {
		t.Parallel()

		tp, recorder := newTestTracer(t)
		handler := httpserver.Tracing(httpserver.TracingConfig{
			TracerProvider: tp,
			SkipPaths:      []string{"/favicon.ico"},
		})(okHandler())

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))

		assert.Empty(t, recorder.Ended())
	})
	t.Run("given grpc call failing with unavailable, when served, then span carries rpc attributes and error", func(t *testing.T) {
		t.Parallel()

		tp, recorder := newTestTracer(t)
		handler := httpserver.Tracing(httpserver.TracingConfig{TracerProvider: tp})(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Grpc-Status", "14")
				w.WriteHeader(http.StatusOK)
			}),
		)

		req := httptest.NewRequest(http.MethodPost, "/orders.v1.Orders/Get", nil)
		req.ProtoMajor = 2
		req.Header.Set("Content-Type", "application/grpc")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "orders.v1.Orders/Get", spans[0].Name())
		assert.Equal(t, codes.Error, spans[0].Status().Code)

		service, _ := spanAttr(spans[0], "rpc.service")
		assert.Equal(t, "orders.v1.Orders", service.AsString())
		method, _ := spanAttr(spans[0], "rpc.method")
		assert.Equal(t, "Get", method.AsString())
		code, _ := spanAttr(spans[0], "rpc.grpc.status_code")
		assert.Equal(t, int64(14), code.AsInt64())
	})

	t.Run("given grpc call failing with not found, when served, then span is not an error", func(t *testing.T) {
		t.Parallel()

		tp, recorder := newTestTracer(t)
		handler := httpserver.Tracing(httpserver.TracingConfig{TracerProvider: tp})(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Grpc-Status", "5")
				w.WriteHeader(http.StatusOK)
			}),
		)

		req := httptest.NewRequest(http.MethodPost, "/orders.v1.Orders/Get", nil)
		req.ProtoMajor = 2
		req.Header.Set("Content-Type", "application/grpc")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Unset, spans[0].Status().Code)
	})
}
