package cli_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/servekit/health"
	"github.com/kroma-labs/servekit/httpserver"
	"github.com/kroma-labs/servekit/internal/cli"
)

// lockedBuffer collects logs written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type greetingBody struct {
	Greeting  string `json:"greeting"`
	RequestID string `json:"request_id"`
}

// routeLabel returns the http_route label of the single request series.
func routeLabel(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "http_server_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "http_route" {
					return lp.GetValue()
				}
			}
		}
	}
	t.Fatal("http_server_requests_total not found")
	return ""
}

func TestRouters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		router    string
		wantRoute string
	}{
		{router: "servemux", wantRoute: "/v1/hello/{name}"},
		{router: "chi", wantRoute: "/v1/hello/{name}"},
		{router: "gin", wantRoute: "/v1/hello/:name"},
		{router: "echo", wantRoute: "/v1/hello/:name"},
		{router: "fiber", wantRoute: "/v1/hello/:name"},
		{router: "grpc-gateway", wantRoute: "/v1/hello/{name}"},
	}

	for _, tt := range tests {
		t.Run("given "+tt.router+" router, when greeted, then answers and labels the route", func(t *testing.T) {
			t.Parallel()

			h, err := cli.NewRouter(tt.router)
			require.NoError(t, err)

			reg := prometheus.NewRegistry()
			srv, err := httpserver.New(httpserver.WithHandler(h), httpserver.WithRegistry(reg))
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/hello/ada", nil))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body httpserver.Response[greetingBody]
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "hello, Ada", body.Data.Greeting)
			assert.Equal(t, rec.Header().Get(httpserver.RequestIDHeader), body.Data.RequestID)
			assert.Equal(t, tt.wantRoute, routeLabel(t, reg))
		})

		t.Run("given "+tt.router+" router, when name is invalid, then 400", func(t *testing.T) {
			t.Parallel()

			h, err := cli.NewRouter(tt.router)
			require.NoError(t, err)
			srv, err := httpserver.New(httpserver.WithHandler(h))
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/hello/r2d2", nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "letters only")
		})
	}

	t.Run("given unknown router, when built, then error", func(t *testing.T) {
		t.Parallel()

		_, err := cli.NewRouter("beego")
		assert.ErrorContains(t, err, `unknown router "beego"`)
	})
}

func TestServeCommand(t *testing.T) {
	t.Run("given conflicting ports, when run, then fails before binding", func(t *testing.T) {
		var out bytes.Buffer
		cmd := cli.NewRootCommand(&out)
		cmd.SetArgs([]string{"serve", "--app-address=:9000", "--metrics-health-port=9000"})

		err := cmd.ExecuteContext(context.Background())
		assert.ErrorIs(t, err, httpserver.ErrInvalidConfig)
	})

	t.Run("given unknown router, when run, then fails", func(t *testing.T) {
		var out bytes.Buffer
		cmd := cli.NewRootCommand(&out)
		cmd.SetArgs([]string{"serve", "--router=beego"})

		assert.ErrorContains(t, cmd.ExecuteContext(context.Background()), "unknown router")
	})

	t.Run("given valid flags, when context ends, then serves and stops cleanly", func(t *testing.T) {
		out := &lockedBuffer{}
		cmd := cli.NewRootCommand(out)
		cmd.SetArgs([]string{
			"serve",
			"--app-address=127.0.0.1:0",
			"--metrics-health-host=127.0.0.1",
			"--metrics-health-port=0",
			"--router=chi",
		})

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		require.NoError(t, cmd.ExecuteContext(ctx))
		assert.Contains(t, out.String(), "server starting")
		assert.Contains(t, out.String(), "service ready")
		assert.Contains(t, out.String(), "server stopped gracefully")
	})

	t.Run("given warmup, when checks run, then readiness waits for the warmup check", func(t *testing.T) {
		out := &lockedBuffer{}
		cmd := cli.NewRootCommand(out)
		cmd.SetArgs([]string{
			"serve",
			"--app-address=127.0.0.1:0",
			"--metrics-health-host=127.0.0.1",
			"--metrics-health-port=0",
			"--warmup=100ms",
			"--check-interval=20ms",
		})

		ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
		defer cancel()

		require.NoError(t, cmd.ExecuteContext(ctx))
		logs := out.String()
		assert.Contains(t, logs, "health check failed")
		assert.Contains(t, logs, "readiness changed")
		assert.Contains(t, logs, "service ready")
	})

	t.Run("given bad log format, when run, then fails", func(t *testing.T) {
		var out bytes.Buffer
		cmd := cli.NewRootCommand(&out)
		cmd.SetArgs([]string{"serve", "--log-format=xml"})

		assert.ErrorContains(t, cmd.ExecuteContext(context.Background()), "--log-format")
	})
}

func TestProbeCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ready   bool
		wantErr error
	}{
		{name: "given ready endpoint, when probed, then succeeds", ready: true},
		{name: "given unready endpoint, when probed, then fails after the timeout", ready: false, wantErr: health.ErrUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(httpserver.ReadyHandler(health.NewState(true, tt.ready)))
			t.Cleanup(ts.Close)

			var out bytes.Buffer
			cmd := cli.NewRootCommand(&out)
			cmd.SetArgs([]string{"probe", "--url=" + ts.URL, "--timeout=300ms", "--interval=20ms", "--log-format=console"})

			err := cmd.ExecuteContext(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), "endpoint healthy")
		})
	}
}
