package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/crowdpad/internal/domain"
	apperrors "github.com/pscheid92/crowdpad/internal/platform/errors"
)

type captureRequest struct {
	GameSessionID   string `json:"gameSessionId"`
	PlayerSessionID string `json:"playerSessionId"`
	Button          string `json:"button"`
	Phase           string `json:"phase"`
}

type heartbeatRequest struct {
	GameSessionID   string `json:"gameSessionId"`
	PlayerSessionID string `json:"playerSessionId"`
}

type voteModeRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api")
	api.POST("/session-captures", s.handleCapture, newRateLimiter(s.config.PressRateLimit, s.config.PressRateBurst))
	api.POST("/heartbeat", s.handleHeartbeat)
	api.GET("/game-sessions/:id", s.handleSessionStats)
	api.POST("/game-sessions/:id/vote-mode", s.handleVoteMode)
}

func (s *Server) handleCapture(c echo.Context) error {
	var req captureRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	if err := validateSessionID(req.GameSessionID); err != nil {
		return err
	}
	if req.PlayerSessionID == "" {
		return apperrors.ValidationError("playerSessionId is required")
	}
	button, ok := domain.ParseButton(req.Button)
	if !ok {
		return apperrors.ValidationError("unknown button").WithField("button", req.Button)
	}
	phase := domain.PhasePress
	switch domain.Phase(req.Phase) {
	case "", domain.PhasePress:
	case domain.PhaseRelease:
		phase = domain.PhaseRelease
	default:
		return apperrors.ValidationError("unknown phase").WithField("phase", req.Phase)
	}

	capture := domain.Capture{
		SessionID:  req.GameSessionID,
		PlayerID:   req.PlayerSessionID,
		Button:     button,
		Phase:      phase,
		CapturedAt: s.clock.Now(),
	}

	ctx := c.Request().Context()
	res, err := s.arbiter.Press(ctx, capture, req.PlayerSessionID)
	if errors.Is(err, domain.ErrSessionNotActive) {
		return apperrors.ConflictError("game session is not active").WithField("game_session_id", req.GameSessionID)
	}
	if err != nil {
		return apperrors.InternalError("failed to press", err).WithField("game_session_id", req.GameSessionID)
	}
	if res == domain.PressInvalidButton {
		return apperrors.ValidationError("button is not mapped to a controller").WithField("button", req.Button)
	}
	if res == domain.PressRejected {
		return apperrors.ConflictError("game session is not active").WithField("game_session_id", req.GameSessionID)
	}

	capture.ActivePlayers = s.arbiter.RecentlyActive()
	s.recordCapture(ctx, capture)

	if err := c.JSON(http.StatusAccepted, map[string]string{"result": res.String()}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// recordCapture persists the capture in the background; a failed write is
// logged and never fails the press.
func (s *Server) recordCapture(ctx context.Context, capture domain.Capture) {
	if s.captures == nil {
		return
	}

	s.recording.Go(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureRecordTimeout)
		defer cancel()

		if err := s.captures.RecordCapture(ctx, capture); err != nil {
			slog.ErrorContext(ctx, "Failed to record capture", "session_id", capture.SessionID, "player_id", capture.PlayerID, "error", err)
		}
	})
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if err := validateSessionID(req.GameSessionID); err != nil {
		return err
	}
	if req.PlayerSessionID == "" {
		return apperrors.ValidationError("playerSessionId is required")
	}

	if err := s.activity.Touch(c.Request().Context(), req.GameSessionID, req.PlayerSessionID); err != nil {
		return apperrors.UnavailableError("failed to record heartbeat", err).WithField("game_session_id", req.GameSessionID)
	}

	response := map[string]int{"recentlyActivePlayerCount": s.arbiter.RecentlyActive()}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleSessionStats(c echo.Context) error {
	sessionID := c.Param("id")
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	stats, err := s.arbiter.SessionStats(sessionID)
	if errors.Is(err, domain.ErrSessionNotActive) {
		return apperrors.NotFoundError("game session is not being arbitrated").WithField("game_session_id", sessionID)
	}
	if err != nil {
		return apperrors.InternalError("failed to load session stats", err).WithField("game_session_id", sessionID)
	}

	if err := c.JSON(http.StatusOK, stats); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVoteMode(c echo.Context) error {
	sessionID := c.Param("id")
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	var req voteModeRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	var err error
	if req.Enabled {
		err = s.arbiter.EnableVote(sessionID)
	} else {
		err = s.arbiter.DisableVote(sessionID)
	}
	if errors.Is(err, domain.ErrSessionNotActive) {
		return apperrors.NotFoundError("game session is not being arbitrated").WithField("game_session_id", sessionID)
	}
	if err != nil {
		return apperrors.InternalError("failed to switch vote mode", err).WithField("game_session_id", sessionID)
	}

	slog.InfoContext(c.Request().Context(), "Vote mode switched", "session_id", sessionID, "voting", req.Enabled)
	if err := c.JSON(http.StatusOK, map[string]bool{"voting": req.Enabled}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func validateSessionID(id string) *apperrors.Error {
	if id == "" {
		return apperrors.ValidationError("gameSessionId is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.ValidationError("invalid gameSessionId format").WithField("game_session_id", id)
	}
	return nil
}
