package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/crowdpad/internal/domain"
)

const sessionColumns = `id, name, state, play_mode, COALESCE(twitch_broadcaster_id, ''), expires_at, created_at, updated_at`

type GameSessionRepo struct {
	pool *pgxpool.Pool
}

var _ domain.GameSessionRepository = (*GameSessionRepo)(nil)

func NewGameSessionRepo(pool *pgxpool.Pool) *GameSessionRepo {
	return &GameSessionRepo{pool: pool}
}

func (r *GameSessionRepo) Get(ctx context.Context, sessionID string) (*domain.GameSession, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domain.ErrSessionNotFound
	}

	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM game_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game session: %w", err)
	}
	return session, nil
}

// ListActive returns every session in the active state that has not expired.
func (r *GameSessionRepo) ListActive(ctx context.Context) ([]domain.GameSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM game_sessions
		WHERE state = 'active' AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active game sessions: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.GameSession, error) {
		s, err := scanSession(row)
		if err != nil {
			return domain.GameSession{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan active game sessions: %w", err)
	}
	return sessions, nil
}

// Create inserts session, generating an ID when it has none.
func (r *GameSessionRepo) Create(ctx context.Context, session domain.GameSession) (*domain.GameSession, error) {
	id := uuid.New()
	if session.ID != "" {
		parsed, err := uuid.Parse(session.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid game session ID %q: %w", session.ID, err)
		}
		id = parsed
	}
	if session.State == "" {
		session.State = domain.SessionPending
	}
	if session.PlayMode == "" {
		session.PlayMode = "vote"
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO game_sessions (id, name, state, play_mode, twitch_broadcaster_id, expires_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING `+sessionColumns,
		id, session.Name, string(session.State), session.PlayMode, session.BroadcasterID, session.ExpiresAt)

	created, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create game session: %w", err)
	}
	return created, nil
}

func (r *GameSessionRepo) UpdateState(ctx context.Context, sessionID string, state domain.SessionState) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return domain.ErrSessionNotFound
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE game_sessions SET state = $2, updated_at = NOW() WHERE id = $1`, id, string(state))
	if err != nil {
		return fmt.Errorf("failed to update game session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.GameSession, error) {
	var (
		s         domain.GameSession
		id        uuid.UUID
		state     string
		expiresAt *time.Time
	)
	if err := row.Scan(&id, &s.Name, &state, &s.PlayMode, &s.BroadcasterID, &expiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.ID = id.String()
	s.State = domain.SessionState(state)
	s.ExpiresAt = expiresAt
	return &s, nil
}
