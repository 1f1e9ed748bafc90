package domain

import (
	"context"
	"time"
)

// SessionState is the lifecycle state of a stored game session record.
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionActive  SessionState = "active"
	SessionEnded   SessionState = "ended"
)

// GameSession is the stored record of a game session. Arbitration runs while the
// record is active.
type GameSession struct {
	ID            string
	Name          string
	State         SessionState
	PlayMode      string
	BroadcasterID string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Live reports whether the record should currently be arbitrated.
func (s GameSession) Live(now time.Time) bool {
	if s.State != SessionActive {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// ChangeType classifies an entry of the session change feed.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type SessionChange struct {
	Type    ChangeType
	Session GameSession
}

// SessionFeed streams session changes. The channel is closed when ctx is done
// or the underlying subscription fails.
type SessionFeed interface {
	WatchSessions(ctx context.Context) (<-chan SessionChange, error)
}

// GameSessionRepository persists game session records.
type GameSessionRepository interface {
	Get(ctx context.Context, sessionID string) (*GameSession, error)
	ListActive(ctx context.Context) ([]GameSession, error)
	Create(ctx context.Context, session GameSession) (*GameSession, error)
	UpdateState(ctx context.Context, sessionID string, state SessionState) error
}
