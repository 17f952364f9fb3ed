package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Check reports whether one dependency is usable. Return nil when healthy.
//
// Example:
//
//	func dbCheck(ctx context.Context) error {
//	    return db.PingContext(ctx)
//	}
type Check func(ctx context.Context) error

// CheckResult is the last outcome of a single Check.
type CheckResult struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	Message             string        `json:"message,omitempty"`
	Latency             time.Duration `json:"latency"`
	LastChecked         time.Time     `json:"last_checked"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
}

type checkEntry struct {
	check  Check
	result CheckResult
}

// Checker runs dependency checks on an interval and drives the readiness
// signal of a State from their results: ready when every check passes.
//
// Liveness is left alone. A failing database should stop traffic, not get
// the process restarted.
//
// Example:
//
//	state := health.NewState(true, false)
//	checker := health.NewChecker(state)
//	checker.Add("postgres", dbCheck)
//	checker.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
//	go checker.Run(ctx)
type Checker struct {
	state    *State
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	checks map[string]*checkEntry
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckInterval sets how often checks run. Default: 10s.
func WithCheckInterval(d time.Duration) CheckerOption {
	return func(c *Checker) { c.interval = d }
}

// WithCheckTimeout bounds a single round of checks. Default: 2s.
func WithCheckTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) { c.timeout = d }
}

// WithCheckLogger logs readiness transitions and failing checks.
func WithCheckLogger(l zerolog.Logger) CheckerOption {
	return func(c *Checker) { c.logger = l }
}

// NewChecker returns a Checker that updates state.
func NewChecker(state *State, opts ...CheckerOption) *Checker {
	c := &Checker{
		state:    state,
		interval: 10 * time.Second,
		timeout:  2 * time.Second,
		logger:   zerolog.Nop(),
		checks:   make(map[string]*checkEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a check. A check with the same name is replaced.
func (c *Checker) Add(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = &checkEntry{check: check, result: CheckResult{Name: name}}
}

// Run checks immediately and then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.CheckNow(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckNow runs every check once, updates readiness and returns whether all
// checks passed.
func (c *Checker) CheckNow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	entries := make(map[string]*checkEntry, len(c.checks))
	for name, e := range c.checks {
		entries[name] = e
	}
	c.mu.Unlock()

	type outcome struct {
		name    string
		err     error
		latency time.Duration
	}
	results := make(chan outcome, len(entries))
	for name, e := range entries {
		go func() {
			start := time.Now()
			err := e.check(ctx)
			results <- outcome{name: name, err: err, latency: time.Since(start)}
		}()
	}

	now := time.Now()
	healthy := true

	c.mu.Lock()
	for range entries {
		o := <-results
		e := entries[o.name]
		e.result.Latency = o.latency
		e.result.LastChecked = now
		if o.err != nil {
			healthy = false
			e.result.Healthy = false
			e.result.Message = o.err.Error()
			e.result.ConsecutiveFailures++
			c.logger.Warn().
				Err(o.err).
				Str("check", o.name).
				Int("consecutive_failures", e.result.ConsecutiveFailures).
				Msg("health check failed")
			continue
		}
		e.result.Healthy = true
		e.result.Message = ""
		e.result.ConsecutiveFailures = 0
	}
	c.mu.Unlock()

	if !c.state.Pinned() && c.state.Ready() != healthy {
		c.logger.Info().Bool("ready", healthy).Msg("readiness changed")
	}
	c.state.SetReady(healthy)
	return healthy
}

// Results returns the last outcome of every check, sorted by name.
func (c *Checker) Results() []CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CheckResult, 0, len(c.checks))
	for _, e := range c.checks {
		out = append(out, e.result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
