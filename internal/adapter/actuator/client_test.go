package actuator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type board struct {
	mu     sync.Mutex
	paths  []string
	status int
	faults int // leading requests answered with 503
}

func (b *board) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, r.URL.Path)
	if b.faults > 0 {
		b.faults--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(b.status)
}

func (b *board) setStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = code
}

func (b *board) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

func newTestBoard(t *testing.T) (*board, *httptest.Server) {
	t.Helper()
	b := &board{status: http.StatusOK}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv
}

func TestSendSignal_Paths(t *testing.T) {
	b, srv := newTestBoard(t)
	m := metrics.NewArbitrationMetrics(prometheus.NewRegistry())
	c := New(srv.URL+"/", Options{}, m)
	ctx := context.Background()

	require.NoError(t, c.SendSignal(ctx, 25, domain.DirectionEngage))
	require.NoError(t, c.SendSignal(ctx, 25, domain.DirectionRelease))
	require.NoError(t, c.SendSignal(ctx, 108, domain.DirectionEngage))

	assert.Equal(t, []string{"/api/down/25", "/api/up/25", "/api/down/108"}, b.calls())
	assert.InDelta(t, 2, testutil.ToFloat64(m.ActuatorSignals.WithLabelValues("engage", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ActuatorSignals.WithLabelValues("release", "ok")), 0)
}

func TestSendSignal_UnknownDirection(t *testing.T) {
	b, srv := newTestBoard(t)
	c := New(srv.URL, Options{}, nil)

	err := c.SendSignal(context.Background(), 25, domain.Direction("sideways"))
	assert.Error(t, err)
	assert.Empty(t, b.calls())
}

func TestSendSignal_ClientErrorKeepsBreakerClosed(t *testing.T) {
	b, srv := newTestBoard(t)
	b.setStatus(http.StatusNotFound)
	c := New(srv.URL, Options{FailureThreshold: 2}, nil)

	for range 5 {
		assert.Error(t, c.SendSignal(context.Background(), 999, domain.DirectionEngage))
	}
	assert.Equal(t, circuitbreaker.ClosedState, c.State())
	assert.Len(t, b.calls(), 5)
}

func TestSendSignal_OpensAfterFailures(t *testing.T) {
	b, srv := newTestBoard(t)
	b.setStatus(http.StatusServiceUnavailable)
	m := metrics.NewArbitrationMetrics(prometheus.NewRegistry())
	c := New(srv.URL, Options{FailureThreshold: 3, OpenDelay: time.Hour}, m)
	ctx := context.Background()

	for range 3 {
		err := c.SendSignal(ctx, 25, domain.DirectionEngage)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrActuatorUnavailable)
	}
	require.Equal(t, circuitbreaker.OpenState, c.State())
	assert.InDelta(t, 2, testutil.ToFloat64(m.CircuitState), 0)
	assert.ErrorIs(t, c.Check(ctx), domain.ErrActuatorUnavailable)

	err := c.SendSignal(ctx, 25, domain.DirectionEngage)
	assert.ErrorIs(t, err, domain.ErrActuatorUnavailable)
	assert.Len(t, b.calls(), 3, "open breaker must not reach the board")
	assert.InDelta(t, 4, testutil.ToFloat64(m.ActuatorSignals.WithLabelValues("engage", "error")), 0)
}

func TestSendSignal_RecoversAfterDelay(t *testing.T) {
	b, srv := newTestBoard(t)
	b.setStatus(http.StatusInternalServerError)
	c := New(srv.URL, Options{FailureThreshold: 1, OpenDelay: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	require.Error(t, c.SendSignal(ctx, 4, domain.DirectionEngage))
	require.Equal(t, circuitbreaker.OpenState, c.State())

	b.setStatus(http.StatusOK)
	require.Eventually(t, func() bool {
		return c.SendSignal(ctx, 4, domain.DirectionRelease) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, circuitbreaker.ClosedState, c.State())
	assert.NoError(t, c.Check(ctx))
}

func TestSendSignal_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(srv.URL, Options{Timeout: 20 * time.Millisecond}, nil)

	err := c.SendSignal(context.Background(), 5, domain.DirectionEngage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond}
}

func TestSendSignal_RetriesBoardFault(t *testing.T) {
	b, srv := newTestBoard(t)
	b.mu.Lock()
	b.faults = 1
	b.mu.Unlock()
	m := metrics.NewArbitrationMetrics(prometheus.NewRegistry())
	c := New(srv.URL, Options{Retry: fastRetry(3)}, m)

	require.NoError(t, c.SendSignal(context.Background(), 25, domain.DirectionRelease))

	assert.Equal(t, []string{"/api/up/25", "/api/up/25"}, b.calls())
	assert.InDelta(t, 1, testutil.ToFloat64(m.ActuatorSignals.WithLabelValues("release", "ok")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ActuatorSignals.WithLabelValues("release", "error")), 0)
}

func TestSendSignal_RejectionIsNotRetried(t *testing.T) {
	b, srv := newTestBoard(t)
	b.setStatus(http.StatusNotFound)
	c := New(srv.URL, Options{Retry: fastRetry(3)}, nil)

	err := c.SendSignal(context.Background(), 999, domain.DirectionEngage)

	require.ErrorIs(t, err, errRejected)
	assert.Len(t, b.calls(), 1)
}

func TestSendSignal_OpenBreakerEndsRetries(t *testing.T) {
	b, srv := newTestBoard(t)
	b.setStatus(http.StatusServiceUnavailable)
	c := New(srv.URL, Options{FailureThreshold: 2, OpenDelay: time.Hour, Retry: fastRetry(5)}, nil)

	err := c.SendSignal(context.Background(), 25, domain.DirectionEngage)

	require.ErrorIs(t, err, domain.ErrActuatorUnavailable)
	assert.Len(t, b.calls(), 2, "attempts stop once the breaker opens")
}

func TestClassifySignalError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Action
	}{
		{"breaker open", fmt.Errorf("actuator down 4: %w", domain.ErrActuatorUnavailable), retry.Stop},
		{"rejected", fmt.Errorf("%w down 4: status 404", errRejected), retry.Stop},
		{"bad direction", fmt.Errorf("%w %q", errUnknownDirection, "sideways"), retry.Stop},
		{"caller gone", context.Canceled, retry.Stop},
		{"attempt timed out", fmt.Errorf("actuator down 4: %w", context.DeadlineExceeded), retry.Retry},
		{"board fault", errors.New("actuator down 4: status 503"), retry.Retry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySignalError(tt.err))
		})
	}
}
