package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/crowdpad/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck probes one dependency. A failing Advisory check is reported but
// keeps the instance ready: an open actuator breaker must not take the API
// and player sockets out of rotation.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Advisory bool
}

type readiness struct {
	Status string            `json:"status"`
	Role   string            `json:"role,omitempty"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

// handleStartup passes once every required dependency answers. Advisory
// checks are skipped; the board may come up after the server.
func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	for _, hc := range s.healthChecks {
		if hc.Advisory {
			continue
		}
		if err := hc.Check(ctx); err != nil {
			return writeJSON(c, http.StatusServiceUnavailable, map[string]string{
				"status":       "starting",
				"failed_check": hc.Name,
				"error":        err.Error(),
			})
		}
	}
	return writeJSON(c, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleLiveness(c echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	})
}

// handleReadiness runs every check concurrently and reports each result. The
// instance is unready only when a required check fails.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	resp := readiness{Status: "ready", Checks: make(map[string]string, len(s.healthChecks))}
	if s.arbitrating != nil {
		resp.Role = "standby"
		if s.arbitrating() {
			resp.Role = "active"
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, hc := range s.healthChecks {
		g.Go(func() error {
			err := hc.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				resp.Checks[hc.Name] = "ok"
			case hc.Advisory:
				resp.Checks[hc.Name] = err.Error()
				if resp.Status == "ready" {
					resp.Status = "degraded"
				}
			default:
				resp.Checks[hc.Name] = err.Error()
				resp.Status = "unhealthy"
			}
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return writeJSON(c, code, resp)
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeJSON(c, http.StatusOK, version.Get())
}

func writeJSON(c echo.Context, code int, body any) error {
	if err := c.JSON(code, body); err != nil {
		return fmt.Errorf("failed to write %s response: %w", c.Path(), err)
	}
	return nil
}
