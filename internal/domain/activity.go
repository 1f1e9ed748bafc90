package domain

import (
	"context"
	"time"
)

// PlayerActivity is the last heartbeat seen for a participant.
type PlayerActivity struct {
	PlayerID     string
	SessionID    string
	LastActiveAt time.Time
}

// ActivitySnapshot is the full activity set at a point in time. Consumers replace
// their derived state wholesale on every snapshot.
type ActivitySnapshot struct {
	Players []PlayerActivity
	TakenAt time.Time
}

// CountSince returns the number of distinct players active after cutoff.
func (s ActivitySnapshot) CountSince(cutoff time.Time) int {
	seen := make(map[string]struct{}, len(s.Players))
	for _, p := range s.Players {
		if p.LastActiveAt.After(cutoff) {
			seen[p.PlayerID] = struct{}{}
		}
	}
	return len(seen)
}

type ActivityFeed interface {
	WatchActivity(ctx context.Context) (<-chan ActivitySnapshot, error)
}

// ActivityTracker records participant heartbeats.
type ActivityTracker interface {
	Touch(ctx context.Context, sessionID, playerID string) error
}
