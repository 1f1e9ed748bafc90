package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultDebounceInterval admits roughly six presses per second per player.
const DefaultDebounceInterval = 150 * time.Millisecond

// Debouncer limits how often one player may press in one session, shared
// across every instance through Redis.
type Debouncer struct {
	rdb      *goredis.Client
	interval time.Duration
}

func NewDebouncer(rdb *goredis.Client, interval time.Duration) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	return &Debouncer{rdb: rdb, interval: interval}
}

// IsDebounced returns true if the player pressed within the interval, false
// if the press is allowed (and starts a new interval).
func (d *Debouncer) IsDebounced(ctx context.Context, sessionID, playerID string) (bool, error) {
	args := goredis.SetArgs{TTL: d.interval, Mode: "NX"}
	_, err := d.rdb.SetArgs(ctx, debounceKey(sessionID, playerID), "1", args).Result()
	if errors.Is(err, goredis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to set debounce: %w", err)
	}
	return false, nil
}

func debounceKey(sessionID, playerID string) string {
	return "debounce:" + sessionID + ":" + playerID
}
