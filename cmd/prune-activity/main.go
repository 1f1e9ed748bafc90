// Command prune-activity removes player heartbeats that belong to game
// sessions which are no longer active, so they stop counting towards the
// recently active player count before their retention runs out.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/adapter/postgres"
	"github.com/pscheid92/crowdpad/internal/adapter/redis"
)

const pruneTimeout = 2 * time.Minute

func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "PostgreSQL URL (or set DATABASE_URL env)")
		redisURL    = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		dryRun      = flag.Bool("dry-run", false, "Dry run mode (don't write to Redis)")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Database URL required (--database or DATABASE_URL env)")
	}
	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, *databaseURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, *redisURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(*redisURL))

	sessions, err := postgres.NewGameSessionRepo(pool).ListActive(ctx)
	if err != nil {
		log.Fatalf("Failed to list active sessions: %v", err)
	}
	active := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		active[s.ID] = struct{}{}
	}
	slog.Info("Starting prune", "active_sessions", len(active), "dry_run", *dryRun)

	start := time.Now()
	store := redis.NewActivityStore(rdb, clockwork.NewRealClock(), 0, nil)
	stats, err := store.PruneSessions(ctx, func(sessionID string) bool {
		_, ok := active[sessionID]
		return ok
	}, *dryRun)
	if err != nil {
		log.Fatalf("Prune failed: %v", err)
	}

	slog.Info("Prune summary",
		"scanned", stats.Scanned,
		"removed", stats.Removed,
		"dry_run", *dryRun,
		"duration_ms", time.Since(start).Milliseconds())
}

// sanitizeURL hides the password of a connection URL for logging.
func sanitizeURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":" + credParts[1] + ":***@" + parts[1]
			}
		}
	}
	return url
}
