package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/game"
	"github.com/pscheid92/crowdpad/internal/platform/config"
)

const captureRecordTimeout = 5 * time.Second

type arbiter interface {
	Press(ctx context.Context, capture domain.Capture, playerID string) (domain.PressResult, error)
	RecentlyActive() int
	SessionStats(sessionID string) (game.Stats, error)
	EnableVote(sessionID string) error
	DisableVote(sessionID string) error
}

// Deps are the collaborators the HTTP surface forwards to. WebhookHandler,
// MetricsHandler and HTTPMetrics are optional.
type Deps struct {
	Arbiter          arbiter
	Activity         domain.ActivityTracker
	Captures         domain.CaptureRecorder
	WebsocketHandler http.Handler
	WebhookHandler   http.Handler
	MetricsHandler   http.Handler
	HTTPMetrics      *metrics.HTTPMetrics
	HealthChecks     []HealthCheck
	// Arbitrating reports whether this instance holds the actuator lease.
	Arbitrating func() bool
	Clock       clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	arbiter  arbiter
	activity domain.ActivityTracker
	captures domain.CaptureRecorder

	websocketHandler http.Handler
	webhookHandler   http.Handler
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	arbitrating  func() bool
	startTime    time.Time

	socketLimits *socketLimits
	recording    sync.WaitGroup
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:             e,
		config:           cfg,
		clock:            clock,
		arbiter:          deps.Arbiter,
		activity:         deps.Activity,
		captures:         deps.Captures,
		websocketHandler: deps.WebsocketHandler,
		webhookHandler:   deps.WebhookHandler,
		metricsHandler:   deps.MetricsHandler,
		httpMetrics:      deps.HTTPMetrics,
		healthChecks:     deps.HealthChecks,
		arbitrating:      deps.Arbitrating,
		startTime:        clock.Now(),
		socketLimits: newSocketLimits(SocketLimitConfig{
			MaxConnections: cfg.SocketMaxConnections,
			MaxPerIP:       cfg.SocketMaxPerIP,
			ConnectRate:    cfg.SocketConnectRate,
			ConnectBurst:   cfg.SocketConnectBurst,
		}, clock),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight capture writes.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.recording.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for capture writes: %w", ctx.Err())
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
