package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrUnhealthy is returned by Probe when the endpoint never reported success.
var ErrUnhealthy = errors.New("health: endpoint not healthy")

// ProbeConfig configures Probe.
type ProbeConfig struct {
	// Client performs the requests. Default: a client with a 2s timeout.
	Client *http.Client

	// InitialInterval is the first wait between attempts. Default: 100ms.
	InitialInterval time.Duration

	// MaxInterval caps the wait between attempts. Default: 2s.
	MaxInterval time.Duration

	// Timeout bounds the total time spent probing. Default: 30s.
	Timeout time.Duration

	// OnAttempt is called after every failed attempt.
	OnAttempt func(err error, next time.Duration)
}

// ProbeOption configures Probe.
type ProbeOption func(*ProbeConfig)

// WithProbeClient sets the HTTP client used by Probe.
func WithProbeClient(c *http.Client) ProbeOption {
	return func(cfg *ProbeConfig) { cfg.Client = c }
}

// WithProbeTimeout bounds the total time spent probing.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(cfg *ProbeConfig) { cfg.Timeout = d }
}

// WithProbeInterval sets the initial and maximum wait between attempts.
func WithProbeInterval(initial, maxInterval time.Duration) ProbeOption {
	return func(cfg *ProbeConfig) {
		cfg.InitialInterval = initial
		cfg.MaxInterval = maxInterval
	}
}

// WithProbeNotify registers a callback for failed attempts.
func WithProbeNotify(fn func(err error, next time.Duration)) ProbeOption {
	return func(cfg *ProbeConfig) { cfg.OnAttempt = fn }
}

// Probe polls url with GET until it answers 2xx, the timeout elapses, or ctx
// is cancelled. It is meant for deploy scripts and tests that must wait for
// a server's /health/ready endpoint.
//
// Example:
//
//	err := health.Probe(ctx, "http://localhost:8081/health/ready",
//	    health.WithProbeTimeout(10*time.Second),
//	)
func Probe(ctx context.Context, url string, opts ...ProbeOption) error {
	cfg := ProbeConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Timeout:         30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 2 * time.Second}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(cfg.Timeout),
	}
	if cfg.OnAttempt != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(cfg.OnAttempt))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		resp, err := cfg.Client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, fmt.Errorf("%w: %s returned %d", ErrUnhealthy, url, resp.StatusCode)
		}
		return struct{}{}, nil
	}, retryOpts...)

	return err
}
