package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kroma-labs/servekit/httpserver"
)

func TestRateLimit(t *testing.T) {
	t.Parallel()

	type args struct {
		limit   rate.Limit
		burst   int
		numReqs int
	}

	tests := []struct {
		name            string
		args            args
		wantAllowed     int
		wantRateLimited int
	}{
		{
			name:        "given burst capacity 1, when 1 request, then all allowed",
			args:        args{limit: 1, burst: 1, numReqs: 1},
			wantAllowed: 1,
		},
		{
			name:            "given burst capacity 1, when 3 requests, then 1 allowed 2 limited",
			args:            args{limit: 1, burst: 1, numReqs: 3},
			wantAllowed:     1,
			wantRateLimited: 2,
		},
		{
			name:            "given burst capacity 5, when 10 requests, then 5 allowed 5 limited",
			args:            args{limit: 1, burst: 5, numReqs: 10},
			wantAllowed:     5,
			wantRateLimited: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := httpserver.RateLimit(httpserver.RateLimitConfig{
				Limit: tt.args.limit,
				Burst: tt.args.burst,
			})(okHandler())

			allowed, limited := 0, 0
			for range tt.args.numReqs {
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

				switch rec.Code {
				case http.StatusOK:
					allowed++
				case http.StatusTooManyRequests:
					limited++
				}
			}

			assert.Equal(t, tt.wantAllowed, allowed)
			assert.Equal(t, tt.wantRateLimited, limited)
		})
	}
}

func TestRateLimit_Rejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		limit          rate.Limit
		grpc           bool
		wantStatus     int
		wantRetryAfter string
		wantGRPCStatus string
	}{
		{
			name:           "given exhausted bucket at 1 rps, when request arrives, then 429 with retry after 1s",
			limit:          1,
			wantStatus:     http.StatusTooManyRequests,
			wantRetryAfter: "1",
		},
		{
			name:           "given exhausted bucket at 0.2 rps, when request arrives, then retry after 5s",
			limit:          0.2,
			wantStatus:     http.StatusTooManyRequests,
			wantRetryAfter: "5",
		},
		{
			name:           "given exhausted bucket, when grpc call arrives, then resource exhausted trailers",
			limit:          1,
			grpc:           true,
			wantStatus:     http.StatusOK,
			wantRetryAfter: "1",
			wantGRPCStatus: "8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := httpserver.Chain(
				httpserver.RequestID(),
				httpserver.RateLimit(httpserver.RateLimitConfig{Limit: tt.limit, Burst: 1}),
			)(okHandler())

			newReq := func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/svc.Echo/Say", nil)
				if tt.grpc {
					req.ProtoMajor = 2
					req.Header.Set("Content-Type", "application/grpc")
				}
				return req
			}

			handler.ServeHTTP(httptest.NewRecorder(), newReq())

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, newReq())

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetryAfter, rec.Header().Get("Retry-After"))

			if tt.grpc {
				assert.Equal(t, tt.wantGRPCStatus, rec.Header().Get("Grpc-Status"))
				assert.Empty(t, rec.Body.String())
				return
			}

			var body httpserver.Response[any]
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "too many requests", body.Message)
			assert.Equal(t, rec.Header().Get(httpserver.RequestIDHeader), body.RequestID)
			require.Len(t, body.Errors, 1)
			assert.Equal(t, "rate_limit", body.Errors[0].Field)
		})
	}
}

func TestRateLimit_Keys(t *testing.T) {
	t.Parallel()

	type request struct {
		route      string
		remoteAddr string
		header     string
		wantStatus int
	}

	tests := []struct {
		name     string
		keyFunc  httpserver.KeyFunc
		requests []request
	}{
		{
			name: "given per-header key, when different keys, then separate buckets",
			keyFunc: func(r *http.Request) string {
				return r.Header.Get("X-User-ID")
			},
			requests: []request{
				{header: "user-a", wantStatus: http.StatusOK},
				{header: "user-a", wantStatus: http.StatusTooManyRequests},
				{header: "user-b", wantStatus: http.StatusOK},
			},
		},
		{
			name:    "given per-route key, when same template, then shared bucket",
			keyFunc: httpserver.KeyFuncByRoute(),
			requests: []request{
				{route: "/users/{id}", wantStatus: http.StatusOK},
				{route: "/users/{id}", wantStatus: http.StatusTooManyRequests},
				{route: "/orders/{id}", wantStatus: http.StatusOK},
			},
		},
		{
			name:    "given per-ip key, when different ips, then separate buckets",
			keyFunc: httpserver.KeyFuncByIP(),
			requests: []request{
				{remoteAddr: "10.0.0.1:1234", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.1:5678", wantStatus: http.StatusTooManyRequests},
				{remoteAddr: "10.0.0.2:1234", wantStatus: http.StatusOK},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := httpserver.RateLimit(httpserver.RateLimitConfig{
				Limit:   1,
				Burst:   1,
				KeyFunc: tt.keyFunc,
			})(okHandler())

			for i, r := range tt.requests {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				if r.route != "" {
					ctx := httpserver.WithRouteTracking(req.Context())
					httpserver.SetRoute(ctx, r.route)
					req = req.WithContext(ctx)
				}
				if r.remoteAddr != "" {
					req.RemoteAddr = r.remoteAddr
				}
				if r.header != "" {
					req.Header.Set("X-User-ID", r.header)
				}

				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				assert.Equal(t, r.wantStatus, rec.Code, "request %d", i)
			}
		})
	}
}

func TestRateLimit_Refill(t *testing.T) {
	t.Parallel()

	t.Run("given exhausted bucket, when time passes, then tokens refill up to burst", func(t *testing.T) {
		t.Parallel()

		// 100 rps refills one token every 10ms.
		handler := httpserver.RateLimit(httpserver.RateLimitConfig{
			Limit: 100,
			Burst: 3,
		})(okHandler())

		for range 3 {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, http.StatusOK, rec.Code)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)

		time.Sleep(100 * time.Millisecond)

		allowed := 0
		for range 10 {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code == http.StatusOK {
				allowed++
			}
		}
		assert.Equal(t, 3, allowed, "refill must be capped at burst")
	})
}

func TestRateLimit_Redis(t *testing.T) {
	t.Parallel()

	t.Run("given redis limiter, when burst exhausted, then returns 429", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		handler := httpserver.RateLimit(httpserver.RateLimitConfig{
			Limit: 10,
			Burst: 3,
			Redis: rdb,
		})(okHandler())

		for i := range 3 {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code, "request %d should succeed", i+1)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("given redis limiter, when bucket used, then key carries prefix and ttl", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		handler := httpserver.RateLimit(httpserver.RateLimitConfig{
			Limit:          10,
			Burst:          1,
			Redis:          rdb,
			RedisKeyPrefix: "rl:",
			KeyTTL:         30 * time.Second,
			KeyFunc:        httpserver.KeyFuncByHeader("X-Tenant-ID"),
		})(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "acme")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.True(t, mr.Exists("rl:acme"))
		assert.Equal(t, 30*time.Second, mr.TTL("rl:acme"))
	})

	t.Run("given redis limiter, when different ips, then separate buckets", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		handler := httpserver.RateLimitByIPRedis(rdb, 1, 1)(okHandler())

		for _, tc := range []struct {
			addr string
			want int
		}{
			{"10.0.0.1:12345", http.StatusOK},
			{"10.0.0.1:12345", http.StatusTooManyRequests},
			{"10.0.0.2:12345", http.StatusOK},
		} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.addr
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, tc.addr)
		}
	})

	t.Run("given unreachable redis, when request arrives, then fails open", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = rdb.Close() })
		mr.Close()

		handler := httpserver.RateLimit(httpserver.RateLimitConfig{
			Limit: 10,
			Burst: 1,
			Redis: rdb,
		})(okHandler())

		for range 3 {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestRateLimitByIP(t *testing.T) {
	t.Parallel()

	type request struct {
		remoteAddr    string
		xForwardedFor string
		wantStatus    int
	}

	tests := []struct {
		name     string
		limit    rate.Limit
		burst    int
		requests []request
	}{
		{
			name:  "given per-IP limit, when same IP exceeds, then limited",
			limit: 1,
			burst: 1,
			requests: []request{
				{remoteAddr: "192.168.1.1:1234", wantStatus: http.StatusOK},
				{remoteAddr: "192.168.1.1:1234", wantStatus: http.StatusTooManyRequests},
				{remoteAddr: "192.168.1.2:1234", wantStatus: http.StatusOK},
			},
		},
		{
			name:  "given forwarded requests, when same client behind proxy, then limited by client",
			limit: 1,
			burst: 1,
			requests: []request{
				{remoteAddr: "10.0.0.9:80", xForwardedFor: "203.0.113.1", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.9:80", xForwardedFor: "203.0.113.1, 10.0.0.8", wantStatus: http.StatusTooManyRequests},
				{remoteAddr: "10.0.0.9:80", xForwardedFor: "203.0.113.2", wantStatus: http.StatusOK},
			},
		},
		{
			name:  "given per-IP limit with burst, when within burst, then allowed",
			limit: 1,
			burst: 3,
			requests: []request{
				{remoteAddr: "10.0.0.1:1234", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.1:1234", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.1:1234", wantStatus: http.StatusOK},
				{remoteAddr: "10.0.0.1:1234", wantStatus: http.StatusTooManyRequests},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := httpserver.RateLimitByIP(tt.limit, tt.burst)(okHandler())

			for i, r := range tt.requests {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				req.RemoteAddr = r.remoteAddr
				if r.xForwardedFor != "" {
					req.Header.Set("X-Forwarded-For", r.xForwardedFor)
				}
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)

				assert.Equal(t, r.wantStatus, rec.Code, "request %d from %s", i, r.remoteAddr)
			}
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_MemoryEviction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		advance   time.Duration
		wantLen   int
		wantAllow bool
	}{
		{
			name:      "given idle buckets within ttl, when another key arrives, then buckets kept",
			advance:   30 * time.Second,
			wantLen:   3,
			wantAllow: false,
		},
		{
			name:      "given idle buckets past ttl, when another key arrives, then idle buckets dropped",
			advance:   2 * time.Minute,
			wantLen:   2,
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			now := time.Unix(1_700_000_000, 0)
			buckets := httpserver.NewMemoryBuckets(rate.Every(time.Hour), 1, time.Minute, func() time.Time { return now })

			require.True(t, buckets.Take("10.0.0.1"))
			require.True(t, buckets.Take("10.0.0.2"))
			require.False(t, buckets.Take("10.0.0.1"))

			now = now.Add(tt.advance)
			require.True(t, buckets.Take("10.0.0.3"))

			// An evicted key starts over with a full bucket.
			assert.Equal(t, tt.wantAllow, buckets.Take("10.0.0.1"))
			assert.Equal(t, tt.wantLen, buckets.Len())
		})
	}
}
