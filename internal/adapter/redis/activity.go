package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	activityKey     = "player_activity"
	activityChannel = "player_activity:touched"

	DefaultActivityRefresh = 5 * time.Second

	pruneScanCount = 100
)

// PruneStats summarizes a PruneSessions run.
type PruneStats struct {
	Scanned int
	Removed int
}

// ActivityStore keeps the last heartbeat of every player in a sorted set
// scored by Unix milliseconds and announces each touch on a pub/sub channel.
type ActivityStore struct {
	rdb       *goredis.Client
	clock     clockwork.Clock
	retention time.Duration
	refresh   time.Duration
	metrics   *metrics.StorageMetrics

	group singleflight.Group
}

var (
	_ domain.ActivityTracker = (*ActivityStore)(nil)
	_ domain.ActivityFeed    = (*ActivityStore)(nil)
)

// NewActivityStore builds a store that forgets players idle for longer than
// retention. m may be nil.
func NewActivityStore(rdb *goredis.Client, clock clockwork.Clock, retention time.Duration, m *metrics.StorageMetrics) *ActivityStore {
	return &ActivityStore{
		rdb:       rdb,
		clock:     clock,
		retention: retention,
		refresh:   DefaultActivityRefresh,
		metrics:   m,
	}
}

func (s *ActivityStore) Touch(ctx context.Context, sessionID, playerID string) error {
	now := s.clock.Now()

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, activityKey, goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: activityMember(sessionID, playerID),
	})
	pipe.Publish(ctx, activityChannel, playerID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch activity pipeline failed: %w", err)
	}
	return nil
}

// Snapshot prunes expired players and returns everyone left. Concurrent
// callers share one round trip.
func (s *ActivityStore) Snapshot(ctx context.Context) (domain.ActivitySnapshot, error) {
	v, err, _ := s.group.Do("snapshot", func() (any, error) {
		return s.load(ctx)
	})
	if err != nil {
		return domain.ActivitySnapshot{}, err
	}
	return v.(domain.ActivitySnapshot), nil
}

func (s *ActivityStore) load(ctx context.Context) (domain.ActivitySnapshot, error) {
	now := s.clock.Now()
	cutoff := strconv.FormatInt(now.Add(-s.retention).UnixMilli(), 10)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, activityKey, "-inf", "("+cutoff)
	rangeCmd := pipe.ZRangeWithScores(ctx, activityKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.ActivitySnapshot{}, fmt.Errorf("activity snapshot pipeline failed: %w", err)
	}

	entries := rangeCmd.Val()
	snap := domain.ActivitySnapshot{
		Players: make([]domain.PlayerActivity, 0, len(entries)),
		TakenAt: now,
	}
	for _, z := range entries {
		member, _ := z.Member.(string)
		sessionID, playerID := parseActivityMember(member)
		snap.Players = append(snap.Players, domain.PlayerActivity{
			PlayerID:     playerID,
			SessionID:    sessionID,
			LastActiveAt: time.UnixMilli(int64(z.Score)),
		})
	}

	if s.metrics != nil {
		s.metrics.ActivitySnapshots.Inc()
		s.metrics.ActivityRetained.Set(float64(len(snap.Players)))
	}
	return snap, nil
}

// WatchActivity emits a snapshot right away, after every touch and on every
// refresh tick, so counts decay without new touches. A slow consumer only ever
// sees the newest snapshot.
func (s *ActivityStore) WatchActivity(ctx context.Context) (<-chan domain.ActivitySnapshot, error) {
	pubsub := s.rdb.Subscribe(ctx, activityChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", activityChannel, err)
	}

	out := make(chan domain.ActivitySnapshot, 1)
	go s.watch(ctx, pubsub, out)
	return out, nil
}

func (s *ActivityStore) watch(ctx context.Context, pubsub *goredis.PubSub, out chan domain.ActivitySnapshot) {
	defer close(out)
	defer func() { _ = pubsub.Close() }()

	ticker := s.clock.NewTicker(s.refresh)
	defer ticker.Stop()

	touches := pubsub.Channel()
	s.publish(ctx, out)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-touches:
			if !ok {
				return
			}
			drain(touches)
			s.publish(ctx, out)
		case <-ticker.Chan():
			s.publish(ctx, out)
		}
	}
}

func (s *ActivityStore) publish(ctx context.Context, out chan domain.ActivitySnapshot) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Failed to load activity snapshot", "error", err)
		}
		return
	}

	// Replace a snapshot the consumer has not picked up yet.
	select {
	case <-out:
	default:
	}
	out <- snap
}

// PruneSessions removes every heartbeat whose session keep rejects. With dryRun
// set nothing is written and Removed counts what would have been removed.
func (s *ActivityStore) PruneSessions(ctx context.Context, keep func(sessionID string) bool, dryRun bool) (PruneStats, error) {
	var stats PruneStats
	var cursor uint64

	for {
		// ZSCAN replies alternate member and score.
		pairs, next, err := s.rdb.ZScan(ctx, activityKey, cursor, "*", pruneScanCount).Result()
		if err != nil {
			return stats, fmt.Errorf("activity scan failed: %w", err)
		}

		var stale []any
		for i := 0; i < len(pairs); i += 2 {
			stats.Scanned++
			sessionID, _ := parseActivityMember(pairs[i])
			if keep(sessionID) {
				continue
			}
			slog.Debug("Stale heartbeat", "session_id", sessionID, "member", pairs[i])
			stale = append(stale, pairs[i])
		}

		if len(stale) > 0 && !dryRun {
			if err := s.rdb.ZRem(ctx, activityKey, stale...).Err(); err != nil {
				return stats, fmt.Errorf("activity prune failed: %w", err)
			}
		}
		stats.Removed += len(stale)

		cursor = next
		if cursor == 0 {
			return stats, nil
		}
	}
}

func drain(ch <-chan *goredis.Message) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func activityMember(sessionID, playerID string) string {
	return sessionID + ":" + playerID
}

// parseActivityMember splits on the first colon; session IDs never contain one.
func parseActivityMember(member string) (sessionID, playerID string) {
	sessionID, playerID, ok := strings.Cut(member, ":")
	if !ok {
		return "", member
	}
	return sessionID, playerID
}
