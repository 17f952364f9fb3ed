package gin_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	ginlib "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/servekit/health"
	"github.com/kroma-labs/servekit/httpserver"
	ginservekit "github.com/kroma-labs/servekit/httpserver/adapters/gin"
)

func init() {
	ginlib.SetMode(ginlib.TestMode)
}

// routeCapture records the route template the pipeline saw once the handler
// returned.
func routeCapture(seen *atomic.Value) httpserver.Stage {
	return httpserver.NewStage("route-capture", func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			seen.Store(httpserver.RouteFromContext(r.Context()))
		})
	})
}

func TestTrackRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantRoute string
	}{
		{
			name:      "given parameterized route, when matched, then template recorded",
			path:      "/users/42",
			wantCode:  http.StatusOK,
			wantRoute: "/users/:id",
		},
		{
			name:      "given nested group route, when matched, then full template recorded",
			path:      "/v1/orders/7/items",
			wantCode:  http.StatusOK,
			wantRoute: "/v1/orders/:id/items",
		},
		{
			name:      "given unknown path, when served, then no route recorded",
			path:      "/nope",
			wantCode:  http.StatusNotFound,
			wantRoute: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := ginservekit.New()
			r.GET("/users/:id", func(c *ginlib.Context) { c.Status(http.StatusOK) })
			r.Group("/v1").GET("/orders/:id/items", func(c *ginlib.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req = req.WithContext(httpserver.WithRouteTracking(req.Context()))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantRoute, httpserver.RouteFromContext(req.Context()))
		})
	}
}

func TestNew_BehindServer(t *testing.T) {
	t.Parallel()

	t.Run("given gin router as handler, when served through the pipeline, then route and request id flow", func(t *testing.T) {
		t.Parallel()

		var (
			seen    atomic.Value
			handled string
		)
		r := ginservekit.New()
		r.GET("/users/:id", func(c *ginlib.Context) {
			handled = httpserver.RequestIDFromContext(c.Request.Context())
			c.String(http.StatusOK, c.Param("id"))
		})

		srv, err := httpserver.New(
			httpserver.WithHandler(r),
			httpserver.WithStage(routeCapture(&seen)),
		)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "42", rec.Body.String())
		assert.Equal(t, "/users/:id", seen.Load())
		assert.NotEmpty(t, handled)
		assert.Equal(t, rec.Header().Get(httpserver.RequestIDHeader), handled)
	})
}

func TestWrapMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("given httpserver middleware, when wrapped, then it runs around gin handlers", func(t *testing.T) {
		t.Parallel()

		r := ginservekit.New()
		r.Use(ginservekit.WrapMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("X-Custom", "test-value")
				next.ServeHTTP(w, req)
			})
		}))
		r.GET("/test", func(c *ginlib.Context) { c.String(http.StatusOK, "hello") })

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "test-value", rec.Header().Get("X-Custom"))
		assert.Equal(t, "hello", rec.Body.String())
	})

	t.Run("given stage that answers itself, when wrapped, then gin chain is aborted", func(t *testing.T) {
		t.Parallel()

		reached := false
		r := ginservekit.New()
		r.Use(ginservekit.WrapStage(httpserver.NewStageFunc("deny", func(http.ResponseWriter, *http.Request, http.Handler) error {
			return httpserver.NewError(http.StatusForbidden, "forbidden")
		})))
		r.GET("/test", func(c *ginlib.Context) {
			reached = true
			c.Status(http.StatusOK)
		})

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "forbidden")
		assert.False(t, reached)
	})
}

func TestGroupStages(t *testing.T) {
	t.Parallel()

	t.Run("given rate limited group, when burst exceeded, then 429 only inside the group", func(t *testing.T) {
		t.Parallel()

		r := ginservekit.New()
		r.Group("/api", ginservekit.RateLimit(httpserver.RateLimitConfig{Limit: 1, Burst: 1})).
			GET("/test", func(c *ginlib.Context) { c.Status(http.StatusOK) })
		r.GET("/open", func(c *ginlib.Context) { c.Status(http.StatusOK) })

		serve := func(path string) int {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, serve("/api/test"))
		assert.Equal(t, http.StatusTooManyRequests, serve("/api/test"))
		assert.Equal(t, http.StatusOK, serve("/open"))
		assert.Equal(t, http.StatusOK, serve("/open"))
	})

	t.Run("given per-IP limit, when different IPs, then separate buckets", func(t *testing.T) {
		t.Parallel()

		r := ginservekit.New()
		r.Use(ginservekit.RateLimitByIP(1, 1))
		r.GET("/test", func(c *ginlib.Context) { c.Status(http.StatusOK) })

		serve := func(addr string) int {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = addr
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, serve("10.0.0.1:1234"))
		assert.Equal(t, http.StatusTooManyRequests, serve("10.0.0.1:1234"))
		assert.Equal(t, http.StatusOK, serve("10.0.0.2:1234"))
	})

	t.Run("given service auth group, when credentials checked, then client id is exposed", func(t *testing.T) {
		t.Parallel()

		r := ginservekit.New()
		r.Group("/internal", ginservekit.ServiceAuth(httpserver.ServiceAuthConfig{
			Validator: httpserver.NewMemoryCredentialValidator(map[string]string{"client-1": "secret-1"}),
		})).GET("/whoami", func(c *ginlib.Context) {
			c.String(http.StatusOK, httpserver.ClientIDFromContext(c.Request.Context()))
		})

		tests := []struct {
			passkey  string
			wantCode int
			wantBody string
		}{
			{passkey: "secret-1", wantCode: http.StatusOK, wantBody: "client-1"},
			{passkey: "wrong", wantCode: http.StatusUnauthorized},
		}
		for _, tt := range tests {
			req := httptest.NewRequest(http.MethodGet, "/internal/whoami", nil)
			req.Header.Set("Client-ID", "client-1")
			req.Header.Set("Pass-Key", tt.passkey)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		}
	})

	t.Run("given failing group behind breaker, when threshold reached, then 503", func(t *testing.T) {
		t.Parallel()

		cfg := httpserver.DefaultCircuitBreakerConfig()
		cfg.ConsecutiveFailures = 2

		r := ginservekit.New()
		r.GET("/flaky", ginservekit.CircuitBreaker(cfg), func(c *ginlib.Context) {
			c.Status(http.StatusInternalServerError)
		})

		codes := make([]int, 0, 3)
		for range 3 {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flaky", nil))
			codes = append(codes, rec.Code)
		}
		assert.Equal(t, []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusServiceUnavailable}, codes)
	})
}

func TestWrapHandlers(t *testing.T) {
	t.Parallel()

	t.Run("given http.Handler, when wrapped, then works with gin", func(t *testing.T) {
		t.Parallel()

		r := ginservekit.New()
		r.GET("/test", ginservekit.WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-Custom", "wrapped")
			_, _ = w.Write([]byte("from http.Handler"))
		})))

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "wrapped", rec.Header().Get("X-Custom"))
		assert.Equal(t, "from http.Handler", rec.Body.String())
	})

	t.Run("given error-returning handler, when it fails, then standard error body", func(t *testing.T) {
		t.Parallel()

		r := ginservekit.New()
		r.GET("/users/:id", ginservekit.WrapError(func(http.ResponseWriter, *http.Request) error {
			return httpserver.NewError(http.StatusNotFound, "user not found")
		}))

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/9", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "user not found")
	})
}

func TestRegisterHealth(t *testing.T) {
	t.Parallel()

	state := health.NewState(true, false)
	r := ginservekit.New()
	ginservekit.RegisterHealth(r, state)

	probe := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, probe(httpserver.LivenessPath))
	assert.Equal(t, http.StatusServiceUnavailable, probe(httpserver.ReadinessPath))

	state.SetReady(true)
	assert.Equal(t, http.StatusOK, probe(httpserver.ReadinessPath))
}
