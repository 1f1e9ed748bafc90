package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("board busy")

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		RateLimitBackoff: 5 * time.Millisecond,
	}
}

func failTimes(n int, calls *int) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		*calls++
		if *calls <= n {
			return 0, errTransient
		}
		return *calls, nil
	}
}

func alwaysStop(error) retry.Action { return retry.Stop }

func blockUntil(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy(), retry.Always, failTimes(0, &calls))

	require.NoError(t, err)
	assert.Equal(t, 1, val)
	assert.Equal(t, 1, calls)
}

func TestDo_TransientFailuresThenSuccess(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy(), retry.Always, failTimes(2, &calls))

	require.NoError(t, err)
	assert.Equal(t, 3, val)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(), alwaysStop, failTimes(5, &calls))

	var permanent *retry.PermanentError
	require.ErrorAs(t, err, &permanent)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustedAttempts(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(), retry.Always, failTimes(5, &calls))

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_ZeroAttemptsMeansSingleTry(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), retry.Policy{}, retry.Always, failTimes(5, &calls))

	assert.Equal(t, errTransient, err)
	assert.Equal(t, 1, calls)
}

func TestDo_BackoffDoublesUpToCap(t *testing.T) {
	var waits []time.Duration
	p := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		OnRetry:        func(_ int, _ error, d time.Duration) { waits = append(waits, d) },
	}

	calls := 0
	_, _ = retry.Do(context.Background(), p, retry.Always, failTimes(10, &calls))

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond}, waits)
}

func TestDo_RateLimitedAttemptWaitsLonger(t *testing.T) {
	var waits []time.Duration
	p := fastPolicy()
	p.OnRetry = func(_ int, _ error, d time.Duration) { waits = append(waits, d) }

	actions := []retry.Action{retry.After, retry.Retry}
	classify := func(error) retry.Action {
		a := actions[0]
		actions = actions[1:]
		return a
	}

	calls := 0
	_, _ = retry.Do(context.Background(), p, classify, failTimes(2, &calls))

	assert.Equal(t, []time.Duration{5 * time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDo_OnRetryReportsAttempts(t *testing.T) {
	var attempts []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error, _ time.Duration) {
		assert.ErrorIs(t, err, errTransient)
		attempts = append(attempts, attempt)
	}

	calls := 0
	_, _ = retry.Do(context.Background(), p, retry.Always, failTimes(5, &calls))

	assert.Equal(t, []int{1, 2}, attempts, "no callback after the last attempt")
}

func TestDo_WaitsOnPolicyClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Second, Clock: clock}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- retry.DoVoid(context.Background(), p, retry.Always, func(context.Context) error {
			if calls.Add(1) < 3 {
				return errTransient
			}
			return nil
		})
	}()

	blockUntil(t, clock)
	assert.Equal(t, int32(1), calls.Load())
	clock.Advance(time.Second)

	blockUntil(t, clock)
	clock.Advance(2 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry never finished")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_CancelDuringWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Hour, Clock: clock}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- retry.DoVoid(ctx, p, retry.Always, func(context.Context) error { return errTransient })
	}()

	blockUntil(t, clock)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry ignored cancellation")
	}
}

func TestDoVoid_PassesContextToOperation(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "session-1")

	var seen any
	err := retry.DoVoid(ctx, fastPolicy(), retry.Always, func(ctx context.Context) error {
		seen = ctx.Value(key{})
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "session-1", seen)
}

func TestDoVoid_PropagatesPermanentError(t *testing.T) {
	err := retry.DoVoid(context.Background(), fastPolicy(), alwaysStop, func(context.Context) error {
		return errTransient
	})

	var permanent *retry.PermanentError
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, errTransient.Error(), err.Error())
}

func TestPolicies_WaitBudgets(t *testing.T) {
	tests := []struct {
		name   string
		policy retry.Policy
		budget time.Duration
	}{
		{"actuator", retry.Actuator(), 200 * time.Millisecond},
		{"lease", retry.Lease(), 5 * time.Second},
		{"startup", retry.Startup(), time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var total time.Duration
			p := tt.policy
			backoff := p.InitialBackoff
			for range p.MaxAttempts - 1 {
				total += backoff
				backoff = min(backoff*2, p.MaxBackoff)
			}
			assert.Greater(t, p.MaxAttempts, 1)
			assert.LessOrEqual(t, total, tt.budget)
		})
	}
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "stop", retry.Stop.String())
	assert.Equal(t, "retry", retry.Retry.String())
	assert.Equal(t, "after", retry.After.String())
	assert.Equal(t, "unknown", retry.Action(42).String())
}
