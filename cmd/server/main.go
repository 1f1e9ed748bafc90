package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/adapter/actuator"
	"github.com/pscheid92/crowdpad/internal/adapter/httpserver"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/adapter/postgres"
	"github.com/pscheid92/crowdpad/internal/adapter/redis"
	"github.com/pscheid92/crowdpad/internal/adapter/twitch"
	"github.com/pscheid92/crowdpad/internal/adapter/websocket"
	"github.com/pscheid92/crowdpad/internal/app"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/game"
	"github.com/pscheid92/crowdpad/internal/platform/config"
	"github.com/pscheid92/crowdpad/internal/platform/logging"
	"github.com/pscheid92/crowdpad/internal/platform/retry"
	"github.com/pscheid92/crowdpad/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.StorageMetrics) *pgxpool.Pool {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.StorageMetrics) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupNode(cfg *config.Config) *centrifuge.Node {
	node, err := websocket.NewNode(cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create centrifuge node", "error", err)
		os.Exit(1)
	}
	if err := websocket.SetupRedis(node, cfg.RedisURL); err != nil {
		slog.Error("Failed to set up centrifuge Redis broker", "error", err)
		os.Exit(1)
	}
	return node
}

// setupEventSub returns nil when the Twitch chat bridge is not configured.
func setupEventSub(ctx context.Context, cfg *config.Config, repo *postgres.ChatSubscriptionRepo) *twitch.EventSubManager {
	if !cfg.TwitchEnabled() {
		slog.Info("Twitch chat bridge disabled")
		return nil
	}

	manager, err := twitch.NewEventSubManager(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, repo, cfg.WebhookCallbackURL, cfg.WebhookSecret, cfg.BotUserID)
	if err != nil {
		slog.Error("Failed to create EventSub manager", "error", err)
		os.Exit(1)
	}
	if err := manager.Setup(ctx); err != nil {
		slog.Error("Failed to set up webhook conduit", "error", err)
		os.Exit(1)
	}
	return manager
}

// instanceID names this process as an actuator lease holder.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func gameConfig(cfg *config.Config) game.Config {
	return game.Config{
		RoundInterval: cfg.VoteRoundInterval,
		MaxVotes:      cfg.VoteMaximum,
		QueueMax:      cfg.QueueMaximum,
		FlushInterval: cfg.QueueFlushInterval,
		EngageDelay:   cfg.EngageDelay,
		ReleaseDelay:  cfg.ReleaseDelay,
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port)

	reg := metrics.NewRegistry()
	storageMetrics := metrics.NewStorageMetrics(reg)
	arbitrationMetrics := metrics.NewArbitrationMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()

	pool := setupDB(startupCtx, cfg, storageMetrics)
	defer pool.Close()

	redisClient := setupRedis(startupCtx, cfg, storageMetrics)
	defer func() { _ = redisClient.Close() }()

	sessionFeed := postgres.NewSessionFeed(pool, clock, storageMetrics)
	inputRepo := postgres.NewInputRepo(pool)
	activityStore := redis.NewActivityStore(redisClient, clock, cfg.ActivityWindow, storageMetrics)
	debouncer := redis.NewDebouncer(redisClient, time.Duration(float64(time.Second)/cfg.PressRateLimit))

	board := actuator.New(cfg.ActuatorURL, actuator.Options{Timeout: cfg.ActuatorTimeout, Retry: retry.Actuator()}, arbitrationMetrics)

	node := setupNode(cfg)
	publisher := websocket.NewPublisher(node, wsMetrics)

	chatSubs := postgres.NewChatSubscriptionRepo(pool)
	eventSub := setupEventSub(startupCtx, cfg, chatSubs)

	// A nil *EventSubManager must not become a non-nil interface.
	var chat domain.ChatSubscriber
	if eventSub != nil {
		chat = eventSub
	}

	orchestrator := app.NewOrchestrator(
		sessionFeed,
		activityStore,
		board,
		inputRepo,
		publisher,
		chat,
		clock,
		app.Config{Game: gameConfig(cfg), ActivityWindow: cfg.ActivityWindow},
		arbitrationMetrics,
	)

	websocket.Attach(node, orchestrator, wsMetrics)
	if err := node.Run(); err != nil {
		slog.Error("Failed to start centrifuge node", "error", err)
		os.Exit(1)
	}

	lease := redis.NewLease(redisClient, redis.DefaultLeaseKey, instanceID(), cfg.ActuatorLeaseTTL)
	keeper := app.NewLeaseKeeper(lease, orchestrator, clock, lease.TTL()/3)
	leaseCtx, stopLease := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Go(func() { keeper.Run(leaseCtx) })
	if eventSub != nil {
		reconciler := app.NewChatReconciler(orchestrator, chatSubs, eventSub, clock, cfg.ChatReconcile, arbitrationMetrics)
		background.Go(func() { reconciler.Run(leaseCtx) })
	}
	stopArbitration := func() {
		stopLease()
		background.Wait()
		orchestrator.Unsubscribe()
	}

	wsHandler := centrifuge.NewWebsocketHandler(node, centrifuge.WebsocketConfig{
		CheckOrigin: websocket.NewCheckOrigin(cfg.AllowedOrigins, !cfg.IsProduction()),
	})

	deps := httpserver.Deps{
		Arbiter:          orchestrator,
		Activity:         activityStore,
		Captures:         inputRepo,
		WebsocketHandler: wsHandler,
		MetricsHandler:   metrics.Handler(reg),
		HTTPMetrics:      httpMetrics,
		Clock:            clock,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "postgres", Check: pool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
			{Name: "actuator", Check: board.Check, Advisory: true},
		},
		Arbitrating: orchestrator.Active,
	}
	if eventSub != nil {
		webhook := twitch.NewWebhookHandler(cfg.WebhookSecret, orchestrator, debouncer)
		deps.WebhookHandler = http.HandlerFunc(webhook.HandleEventSub)
	}
	srv := httpserver.NewServer(cfg, deps)

	done := runGracefulShutdown(srv, stopArbitration, node, eventSub)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

func runGracefulShutdown(srv *httpserver.Server, stopArbitration func(), node *centrifuge.Node, conduitMgr *twitch.EventSubManager) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopArbitration()

		if err := node.Shutdown(shutdownCtx); err != nil {
			slog.Error("Centrifuge node shutdown error", "error", err)
		}

		if conduitMgr != nil {
			if err := conduitMgr.Cleanup(shutdownCtx); err != nil {
				slog.Error("Failed to clean up conduit", "error", err)
			}
		}

		close(done)
	}()

	return done
}
