package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kroma-labs/servekit/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_CheckNow(t *testing.T) {
	t.Parallel()

	errDown := errors.New("connection refused")

	tests := []struct {
		name      string
		checks    map[string]health.Check
		wantReady bool
	}{
		{
			name:      "given no checks, then ready",
			checks:    nil,
			wantReady: true,
		},
		{
			name: "given all checks pass, then ready",
			checks: map[string]health.Check{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return nil },
			},
			wantReady: true,
		},
		{
			name: "given one check fails, then not ready",
			checks: map[string]health.Check{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errDown },
			},
			wantReady: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			state := health.NewState(true, !tt.wantReady)
			checker := health.NewChecker(state)
			for name, c := range tt.checks {
				checker.Add(name, c)
			}

			got := checker.CheckNow(context.Background())

			assert.Equal(t, tt.wantReady, got)
			assert.Equal(t, tt.wantReady, state.Ready())
			assert.True(t, state.Live(), "checks never touch liveness")
		})
	}
}

func TestChecker_Results(t *testing.T) {
	t.Parallel()

	state := health.NewState(true, true)
	checker := health.NewChecker(state)
	checker.Add("b-cache", func(context.Context) error { return errors.New("timeout") })
	checker.Add("a-db", func(context.Context) error { return nil })

	checker.CheckNow(context.Background())
	checker.CheckNow(context.Background())

	results := checker.Results()
	require.Len(t, results, 2)

	assert.Equal(t, "a-db", results[0].Name)
	assert.True(t, results[0].Healthy)
	assert.Zero(t, results[0].ConsecutiveFailures)

	assert.Equal(t, "b-cache", results[1].Name)
	assert.False(t, results[1].Healthy)
	assert.Equal(t, "timeout", results[1].Message)
	assert.Equal(t, 2, results[1].ConsecutiveFailures)
	assert.False(t, results[1].LastChecked.IsZero())
}

func TestChecker_Run(t *testing.T) {
	t.Parallel()

	t.Run("given dependency recovers, when running, then becomes ready", func(t *testing.T) {
		t.Parallel()

		var up atomic.Bool
		state := health.NewState(true, false)
		checker := health.NewChecker(state, health.WithCheckInterval(5*time.Millisecond))
		checker.Add("db", func(context.Context) error {
			if !up.Load() {
				return errors.New("down")
			}
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			checker.Run(ctx)
			close(done)
		}()

		assert.Never(t, state.Ready, 30*time.Millisecond, 5*time.Millisecond)
		up.Store(true)
		assert.Eventually(t, state.Ready, time.Second, 5*time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("given slow check, when round times out, then not ready", func(t *testing.T) {
		t.Parallel()

		state := health.NewState(true, true)
		checker := health.NewChecker(state, health.WithCheckTimeout(10*time.Millisecond))
		checker.Add("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		assert.False(t, checker.CheckNow(context.Background()))
		assert.False(t, state.Ready())
	})
}
