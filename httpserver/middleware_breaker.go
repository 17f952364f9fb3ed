package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// CircuitBreakerConfig configures the circuit breaker stage.
//
// Concepts:
//   - Closed: Normal state, requests allowed.
//   - Open: Failing state, requests rejected immediately with 503.
//   - Half-Open: Probing state, limited requests allowed to test recovery.
type CircuitBreakerConfig struct {
	// Name identifies the breaker, and its key in the shared store.
	// Default: "httpserver"
	Name string

	// MaxRequests is the number of requests allowed through while half-open.
	// If 0, one request is allowed.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	// Default: 10s
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests in an interval
	// before the failure ratio is considered.
	// Default: 20
	FailureThreshold uint32

	// FailureRatio trips the breaker once reached (0.0 - 1.0).
	// Default: 0.5
	FailureRatio float64

	// ConsecutiveFailures trips the breaker regardless of the threshold.
	// If 0, this rule is disabled.
	ConsecutiveFailures uint32

	// Redis shares the breaker state between instances. If nil, the breaker
	// is local to the process.
	Redis redis.UniversalClient

	// Store overrides Redis with any gobreaker shared data store.
	Store gobreaker.SharedDataStore

	// IsFailure classifies a finished request. Default: status >= 500.
	IsFailure func(status int) bool

	// OnStateChange is called on every state transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitBreakerConfig returns a configuration for a local breaker.
//
// Defaults:
//   - Interval: 10s
//   - Timeout: 10s (Fail fast, recover fast)
//   - FailureThreshold: 20 (Minimum requests before triggering)
//   - FailureRatio: 0.5 (50% failure rate)
//   - ConsecutiveFailures: 5 (Trip immediately after 5 sequential failures)
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                "httpserver",
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
	}
}

// errFailedResponse tells the breaker that a request ended in a failure
// status even though the handler itself returned normally.
var errFailedResponse = errors.New("failed response")

type breaker interface {
	Execute(req func() (any, error)) (any, error)
}

// CircuitBreaker returns middleware that sheds load while the handler keeps
// failing, for example because a dependency is down.
//
// Requests ending with a failure status count against the breaker. While it
// is open, requests are answered with 503 Service Unavailable (UNAVAILABLE
// for gRPC) without reaching the handler.
//
// Example:
//
//	cfg := httpserver.DefaultCircuitBreakerConfig()
//	cfg.Redis = rdb // share state across replicas
//	server, err := httpserver.New(
//	    httpserver.WithCircuitBreaker(cfg),
//	    httpserver.WithHandler(mux),
//	)
func CircuitBreaker(cfg CircuitBreakerConfig) Middleware {
	if cfg.Name == "" {
		cfg.Name = "httpserver"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(status int) bool { return status >= http.StatusInternalServerError }
	}

	cb := newBreaker(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := newStatusRecorder(w)

			_, err := cb.Execute(func() (any, error) {
				next.ServeHTTP(wrapped, r)
				if cfg.IsFailure(wrapped.Status()) {
					return nil, errFailedResponse
				}
				return nil, nil
			})

			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				w.Header().Set("Retry-After", retryAfterSeconds(cfg.Timeout))
				writeFault(w, r, http.StatusServiceUnavailable, "circuit_breaker", "service unavailable")
			case err != nil && !errors.Is(err, errFailedResponse):
				// Shared store errors.
				zerolog.Ctx(r.Context()).Error().Err(err).Str("breaker", cfg.Name).Msg("circuit breaker failed")
				if !wrapped.WroteHeader() {
					writeFault(w, r, http.StatusServiceUnavailable, "circuit_breaker", "service unavailable")
				}
			}
		})
	}
}

func newBreaker(cfg CircuitBreakerConfig) breaker {
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureThreshold > 0 && counts.Requests < cfg.FailureThreshold {
				return false
			}
			if cfg.FailureRatio > 0 && counts.Requests > 0 {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: cfg.OnStateChange,
	}

	store := cfg.Store
	if store == nil && cfg.Redis != nil {
		store = gobreakerredis.NewStoreFromClient(cfg.Redis)
	}
	if store != nil {
		if dcb, err := gobreaker.NewDistributedCircuitBreaker[any](store, st); err == nil {
			return dcb
		}
		// Degrade to a local breaker rather than none.
	}
	return gobreaker.NewCircuitBreaker[any](st)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
