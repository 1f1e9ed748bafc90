package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
)

const (
	sessionChangesChannel = "game_session_changes"

	DefaultExpiryCheckInterval = 30 * time.Second
)

type sessionNotification struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

// SessionFeed turns game_sessions notifications into session changes. Only
// live sessions are visible: a session entering the live set is added, a live
// session that is updated is modified and a session leaving it is removed.
type SessionFeed struct {
	pool          *pgxpool.Pool
	repo          *GameSessionRepo
	clock         clockwork.Clock
	metrics       *metrics.StorageMetrics
	checkInterval time.Duration
}

var _ domain.SessionFeed = (*SessionFeed)(nil)

// NewSessionFeed builds a feed over pool. m may be nil.
func NewSessionFeed(pool *pgxpool.Pool, clock clockwork.Clock, m *metrics.StorageMetrics) *SessionFeed {
	return &SessionFeed{
		pool:          pool,
		repo:          NewGameSessionRepo(pool),
		clock:         clock,
		metrics:       m,
		checkInterval: DefaultExpiryCheckInterval,
	}
}

// WatchSessions listens for changes, then emits an added change for every live
// session. The channel closes when ctx is done or the listening connection
// fails.
func (f *SessionFeed) WatchSessions(ctx context.Context) (<-chan domain.SessionChange, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+sessionChangesChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", sessionChangesChannel, err)
	}

	active, err := f.repo.ListActive(ctx)
	if err != nil {
		conn.Release()
		return nil, err
	}

	notes := make(chan sessionNotification)
	go func() {
		defer close(notes)
		defer conn.Release()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("Session change listener failed", "error", err)
				}
				return
			}

			var note sessionNotification
			if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
				slog.Warn("Malformed session notification", "payload", n.Payload, "error", err)
				continue
			}

			select {
			case notes <- note:
			case <-ctx.Done():
				return
			}
		}
	}()

	out := make(chan domain.SessionChange, 64)
	go f.run(ctx, active, notes, out)
	return out, nil
}

func (f *SessionFeed) run(ctx context.Context, active []domain.GameSession, notes <-chan sessionNotification, out chan<- domain.SessionChange) {
	defer close(out)

	visible := make(map[string]domain.GameSession, len(active))
	for _, s := range active {
		visible[s.ID] = s
		if !f.emit(ctx, out, domain.SessionChange{Type: domain.ChangeAdded, Session: s}) {
			return
		}
	}

	ticker := f.clock.NewTicker(f.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case note, ok := <-notes:
			if !ok {
				return
			}
			change, ok := f.translate(ctx, note, visible)
			if ok && !f.emit(ctx, out, change) {
				return
			}

		case <-ticker.Chan():
			for _, change := range expired(visible, f.clock.Now()) {
				if !f.emit(ctx, out, change) {
					return
				}
			}
		}
	}
}

// translate updates visible for one notification and returns the change it
// implies, if any.
func (f *SessionFeed) translate(ctx context.Context, note sessionNotification, visible map[string]domain.GameSession) (domain.SessionChange, bool) {
	prev, wasVisible := visible[note.ID]

	if note.Op == "delete" {
		if !wasVisible {
			return domain.SessionChange{}, false
		}
		delete(visible, note.ID)
		return domain.SessionChange{Type: domain.ChangeRemoved, Session: prev}, true
	}

	session, err := f.repo.Get(ctx, note.ID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		if !wasVisible {
			return domain.SessionChange{}, false
		}
		delete(visible, note.ID)
		return domain.SessionChange{Type: domain.ChangeRemoved, Session: prev}, true
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load changed session", "session_id", note.ID, "error", err)
		return domain.SessionChange{}, false
	}

	live := session.Live(f.clock.Now())
	switch {
	case live && !wasVisible:
		visible[session.ID] = *session
		return domain.SessionChange{Type: domain.ChangeAdded, Session: *session}, true
	case live && wasVisible:
		visible[session.ID] = *session
		return domain.SessionChange{Type: domain.ChangeModified, Session: *session}, true
	case !live && wasVisible:
		delete(visible, session.ID)
		return domain.SessionChange{Type: domain.ChangeRemoved, Session: *session}, true
	default:
		return domain.SessionChange{}, false
	}
}

// expired removes sessions whose expiry has passed from visible.
func expired(visible map[string]domain.GameSession, now time.Time) []domain.SessionChange {
	var changes []domain.SessionChange
	for id, s := range visible {
		if !s.Live(now) {
			delete(visible, id)
			changes = append(changes, domain.SessionChange{Type: domain.ChangeRemoved, Session: s})
		}
	}
	return changes
}

func (f *SessionFeed) emit(ctx context.Context, out chan<- domain.SessionChange, change domain.SessionChange) bool {
	select {
	case out <- change:
		if f.metrics != nil {
			f.metrics.SessionFeedEvents.WithLabelValues(change.Type.String()).Inc()
		}
		slog.DebugContext(ctx, "Session change", "type", change.Type.String(), "session_id", change.Session.ID)
		return true
	case <-ctx.Done():
		return false
	}
}
