package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	ActuatorURL string `env:"ACTUATOR_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	// Twitch chat bridge. Either all or none of these are set.
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	WebhookCallbackURL string `env:"WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string `env:"TWITCH_WEBHOOK_SECRET"`
	BotUserID          string `env:"BOT_USER_ID"`

	VoteRoundInterval  time.Duration `env:"VOTE_ROUND_INTERVAL" default:"122ms"`
	VoteMaximum        int           `env:"VOTE_MAXIMUM" default:"400"`
	QueueMaximum       int           `env:"QUEUE_MAXIMUM" default:"100"`
	QueueFlushInterval time.Duration `env:"QUEUE_FLUSH_INTERVAL" default:"200ms"`
	EngageDelay        time.Duration `env:"ENGAGE_DELAY" default:"10ms"`
	ReleaseDelay       time.Duration `env:"RELEASE_DELAY" default:"50ms"`
	ActivityWindow     time.Duration `env:"ACTIVITY_WINDOW" default:"60s"`
	ActuatorTimeout    time.Duration `env:"ACTUATOR_TIMEOUT" default:"2s"`
	ActuatorLeaseTTL   time.Duration `env:"ACTUATOR_LEASE_TTL" default:"15s"`
	ChatReconcile      time.Duration `env:"CHAT_RECONCILE_INTERVAL" default:"5m"`

	PressRateLimit float64 `env:"PRESS_RATE_LIMIT" default:"6"`
	PressRateBurst int     `env:"PRESS_RATE_BURST" default:"12"`

	SocketMaxConnections int     `env:"SOCKET_MAX_CONNECTIONS" default:"5000"`
	SocketMaxPerIP       int     `env:"SOCKET_MAX_PER_IP" default:"20"`
	SocketConnectRate    float64 `env:"SOCKET_CONNECT_RATE" default:"5"`
	SocketConnectBurst   int     `env:"SOCKET_CONNECT_BURST" default:"10"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
}

// TwitchEnabled reports whether the Twitch chat bridge is configured.
func (c *Config) TwitchEnabled() bool {
	return c.TwitchClientID != ""
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"ACTUATOR_URL", cfg.ActuatorURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if err := validateTwitch(cfg); err != nil {
		return err
	}

	if err := validateTunables(cfg); err != nil {
		return err
	}

	if cfg.IsProduction() {
		if err := validateSSLMode(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func validateTwitch(cfg *Config) error {
	twitch := []struct{ name, value string }{
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"WEBHOOK_CALLBACK_URL", cfg.WebhookCallbackURL},
		{"TWITCH_WEBHOOK_SECRET", cfg.WebhookSecret},
		{"BOT_USER_ID", cfg.BotUserID},
	}

	set := 0
	for _, v := range twitch {
		if v.value != "" {
			set++
		}
	}
	if set == 0 {
		return nil
	}
	for _, v := range twitch {
		if v.value == "" {
			return fmt.Errorf("%s is required when the Twitch chat bridge is configured", v.name)
		}
	}

	if len(cfg.WebhookSecret) < 10 || len(cfg.WebhookSecret) > 100 {
		return errors.New("TWITCH_WEBHOOK_SECRET must be between 10 and 100 characters")
	}
	return nil
}

func validateTunables(cfg *Config) error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"VOTE_ROUND_INTERVAL", cfg.VoteRoundInterval},
		{"QUEUE_FLUSH_INTERVAL", cfg.QueueFlushInterval},
		{"ENGAGE_DELAY", cfg.EngageDelay},
		{"RELEASE_DELAY", cfg.ReleaseDelay},
		{"ACTIVITY_WINDOW", cfg.ActivityWindow},
		{"ACTUATOR_TIMEOUT", cfg.ActuatorTimeout},
		{"ACTUATOR_LEASE_TTL", cfg.ActuatorLeaseTTL},
		{"CHAT_RECONCILE_INTERVAL", cfg.ChatReconcile},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	if cfg.VoteMaximum < 1 {
		return fmt.Errorf("VOTE_MAXIMUM must be at least 1, got %d", cfg.VoteMaximum)
	}
	if cfg.QueueMaximum < 2 {
		return fmt.Errorf("QUEUE_MAXIMUM must be at least 2, got %d", cfg.QueueMaximum)
	}
	if cfg.PressRateLimit <= 0 || cfg.PressRateBurst < 1 {
		return errors.New("PRESS_RATE_LIMIT and PRESS_RATE_BURST must be positive")
	}
	if cfg.SocketMaxConnections < 1 || cfg.SocketMaxPerIP < 1 {
		return errors.New("SOCKET_MAX_CONNECTIONS and SOCKET_MAX_PER_IP must be positive")
	}
	if cfg.SocketConnectRate <= 0 || cfg.SocketConnectBurst < 1 {
		return errors.New("SOCKET_CONNECT_RATE and SOCKET_CONNECT_BURST must be positive")
	}
	return nil
}

func validateSSLMode(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
