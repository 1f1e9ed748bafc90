package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/crowdpad/internal/domain"
)

// InputRepo persists hardware inputs and session captures.
type InputRepo struct {
	pool *pgxpool.Pool
}

var (
	_ domain.InputRecorder   = (*InputRepo)(nil)
	_ domain.CaptureRecorder = (*InputRepo)(nil)
)

func NewInputRepo(pool *pgxpool.Pool) *InputRepo {
	return &InputRepo{pool: pool}
}

func (r *InputRepo) RecordInput(ctx context.Context, input domain.HardwareInput) error {
	sessionID, err := uuid.Parse(input.SessionID)
	if err != nil {
		return fmt.Errorf("invalid game session ID %q: %w", input.SessionID, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO hardware_inputs (id, game_session_id, player_id, button, phase, channel, direction, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), sessionID, input.PlayerID, string(input.Button), string(input.Phase),
		int(input.Channel), string(input.Direction), input.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record hardware input: %w", err)
	}
	return nil
}

func (r *InputRepo) RecordCapture(ctx context.Context, capture domain.Capture) error {
	sessionID, err := uuid.Parse(capture.SessionID)
	if err != nil {
		return fmt.Errorf("invalid game session ID %q: %w", capture.SessionID, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO session_captures (id, game_session_id, player_id, button, phase, active_players, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), sessionID, capture.PlayerID, string(capture.Button), string(capture.Phase),
		capture.ActivePlayers, capture.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to record session capture: %w", err)
	}
	return nil
}

// CountInputs returns the number of hardware inputs stored for a session.
func (r *InputRepo) CountInputs(ctx context.Context, sessionID string) (int, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return 0, domain.ErrSessionNotFound
	}

	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hardware_inputs WHERE game_session_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count hardware inputs: %w", err)
	}
	return n, nil
}
