package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/crowdpad/internal/adapter/actuator"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func TestHandleStartup(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/startup", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	srv := newTestServer(t, &mockArbiter{},
		withHealthChecks(
			HealthCheck{Name: "redis", Check: healthOK},
			HealthCheck{Name: "postgres", Check: healthOK},
		),
	)

	err := srv.handleStartup(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"started"}`, rec.Body.String())
}

func TestHandleStartup_SkipsAdvisoryChecks(t *testing.T) {
	srv := newTestServer(t, &mockArbiter{}, withHealthChecks(
		HealthCheck{Name: "postgres", Check: healthOK},
		HealthCheck{Name: "actuator", Check: healthErr("board offline"), Advisory: true},
	))

	rec := doJSON(srv, http.MethodGet, "/health/startup", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStartup_StopsAtFirstRequiredFailure(t *testing.T) {
	called := false
	srv := newTestServer(t, &mockArbiter{}, withHealthChecks(
		HealthCheck{Name: "postgres", Check: healthErr("database unreachable")},
		HealthCheck{Name: "redis", Check: func(context.Context) error { called = true; return nil }},
	))

	rec := doJSON(srv, http.MethodGet, "/health/startup", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"starting","failed_check":"postgres","error":"database unreachable"}`, rec.Body.String())
	assert.False(t, called)
}

func TestHandleLiveness_ReportsUptime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := NewServer(testConfig(), Deps{Arbiter: &mockArbiter{}, Clock: clock})
	clock.Advance(90 * time.Second)

	rec := doJSON(srv, http.MethodGet, "/health/live", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","uptime":90}`, rec.Body.String())
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "all healthy",
			checks:     []HealthCheck{{Name: "redis", Check: healthOK}, {Name: "postgres", Check: healthOK}},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready","checks":{"redis":"ok","postgres":"ok"}}`,
		},
		{
			name:       "redis down",
			checks:     []HealthCheck{{Name: "redis", Check: healthErr("connection refused")}, {Name: "postgres", Check: healthOK}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unhealthy","checks":{"redis":"connection refused","postgres":"ok"}}`,
		},
		{
			name: "every failure is reported",
			checks: []HealthCheck{
				{Name: "redis", Check: healthErr("connection refused")},
				{Name: "postgres", Check: healthErr("database unreachable")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unhealthy","checks":{"redis":"connection refused","postgres":"database unreachable"}}`,
		},
		{
			name: "advisory failure degrades only",
			checks: []HealthCheck{
				{Name: "postgres", Check: healthOK},
				{Name: "actuator", Check: healthErr("actuator unavailable"), Advisory: true},
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"degraded","checks":{"postgres":"ok","actuator":"actuator unavailable"}}`,
		},
		{
			name: "required failure wins over advisory",
			checks: []HealthCheck{
				{Name: "actuator", Check: healthErr("actuator unavailable"), Advisory: true},
				{Name: "postgres", Check: healthErr("database unreachable")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unhealthy","checks":{"postgres":"database unreachable","actuator":"actuator unavailable"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &mockArbiter{}, withHealthChecks(tt.checks...))

			rec := doJSON(srv, http.MethodGet, "/health/ready", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandleReadiness_ReportsArbitrationRole(t *testing.T) {
	var active atomic.Bool
	srv := newTestServer(t, &mockArbiter{}, func(d *Deps) { d.Arbitrating = active.Load })

	rec := doJSON(srv, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","role":"standby","checks":{}}`, rec.Body.String())

	active.Store(true)
	rec = doJSON(srv, http.MethodGet, "/health/ready", "")
	assert.JSONEq(t, `{"status":"ready","role":"active","checks":{}}`, rec.Body.String())
}

func TestHandleReadiness_OpenActuatorBreaker(t *testing.T) {
	board := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(board.Close)
	client := actuator.New(board.URL, actuator.Options{FailureThreshold: 1, OpenDelay: time.Hour}, nil)
	require.Error(t, client.SendSignal(context.Background(), 25, domain.DirectionEngage))

	srv := newTestServer(t, &mockArbiter{}, withHealthChecks(
		HealthCheck{Name: "postgres", Check: healthOK},
		HealthCheck{Name: "actuator", Check: client.Check, Advisory: true},
	))

	rec := doJSON(srv, http.MethodGet, "/health/ready", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"postgres":"ok","actuator":"actuator unavailable"}}`, rec.Body.String())
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t, &mockArbiter{})

	rec := doJSON(srv, http.MethodGet, "/version", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"version"`)
	assert.Contains(t, body, `"commit"`)
	assert.Contains(t, body, `"build_time"`)
	assert.Contains(t, body, `"go_version"`)
}
