package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/game"
	"github.com/pscheid92/crowdpad/internal/platform/config"
)

const testSessionID = "6f1c2d9e-3b7a-4c5e-9d2f-1a8b7c6d5e4f"

// --- Mock implementations ---

type mockArbiter struct {
	mu      sync.Mutex
	presses []domain.Capture

	pressFn        func(ctx context.Context, capture domain.Capture, playerID string) (domain.PressResult, error)
	statsFn        func(sessionID string) (game.Stats, error)
	enableVoteFn   func(sessionID string) error
	disableVoteFn  func(sessionID string) error
	recentlyActive int
}

func (m *mockArbiter) Press(ctx context.Context, capture domain.Capture, playerID string) (domain.PressResult, error) {
	m.mu.Lock()
	m.presses = append(m.presses, capture)
	m.mu.Unlock()
	if m.pressFn != nil {
		return m.pressFn(ctx, capture, playerID)
	}
	return domain.PressAccepted, nil
}

func (m *mockArbiter) pressed() []domain.Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Capture(nil), m.presses...)
}

func (m *mockArbiter) RecentlyActive() int { return m.recentlyActive }

func (m *mockArbiter) SessionStats(sessionID string) (game.Stats, error) {
	if m.statsFn != nil {
		return m.statsFn(sessionID)
	}
	return game.Stats{}, domain.ErrSessionNotActive
}

func (m *mockArbiter) EnableVote(sessionID string) error {
	if m.enableVoteFn != nil {
		return m.enableVoteFn(sessionID)
	}
	return nil
}

func (m *mockArbiter) DisableVote(sessionID string) error {
	if m.disableVoteFn != nil {
		return m.disableVoteFn(sessionID)
	}
	return nil
}

type mockActivity struct {
	mu      sync.Mutex
	touches [][2]string
	err     error
}

func (m *mockActivity) Touch(_ context.Context, sessionID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.touches = append(m.touches, [2]string{sessionID, playerID})
	return nil
}

type mockCaptures struct {
	recorded chan domain.Capture
	err      error
}

func newMockCaptures() *mockCaptures {
	return &mockCaptures{recorded: make(chan domain.Capture, 16)}
}

func (m *mockCaptures) RecordCapture(_ context.Context, capture domain.Capture) error {
	m.recorded <- capture
	return m.err
}

// --- Test helpers ---

var errBoom = errors.New("boom")

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		PressRateLimit: 100,
		PressRateBurst: 100,

		SocketMaxConnections: 100,
		SocketMaxPerIP:       10,
		SocketConnectRate:    100,
		SocketConnectBurst:   100,
	}
}

func newTestServer(t *testing.T, arb *mockArbiter, opts ...func(*Deps)) *Server {
	t.Helper()

	deps := Deps{
		Arbiter:  arb,
		Activity: &mockActivity{},
		Captures: newMockCaptures(),
		Clock:    clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewServer(testConfig(), deps)
}

func withActivity(a domain.ActivityTracker) func(*Deps) {
	return func(d *Deps) { d.Activity = a }
}

func withCaptures(c domain.CaptureRecorder) func(*Deps) {
	return func(d *Deps) { d.Captures = c }
}

func withHealthChecks(checks ...HealthCheck) func(*Deps) {
	return func(d *Deps) { d.HealthChecks = checks }
}

func withWebsocketHandler(h http.Handler) func(*Deps) {
	return func(d *Deps) { d.WebsocketHandler = h }
}

func withWebhookHandler(h http.Handler) func(*Deps) {
	return func(d *Deps) { d.WebhookHandler = h }
}

func doJSON(srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
