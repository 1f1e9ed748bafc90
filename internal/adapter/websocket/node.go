package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/correlation"
	goredis "github.com/redis/go-redis/v9"
)

// Router receives what players send over the socket.
type Router interface {
	OnChatMessage(ctx context.Context, msg domain.ChatMessage) (domain.PressResult, error)
	OnPresence(ctx context.Context, ev domain.PresenceEvent)
}

func NewNode(logLevel string) (*centrifuge.Node, error) {
	conf := centrifuge.Config{LogLevel: parseCentrifugeLogLevel(logLevel), LogHandler: slogHandler}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	node.OnConnecting(onConnecting)
	return node, nil
}

// Attach routes client events to router. It must be called before the node runs.
func Attach(node *centrifuge.Node, router Router, wsMetrics *metrics.WebSocketMetrics) {
	presence := newPresenceTracker()
	node.OnConnect(onConnect(router, presence, wsMetrics))
}

func onConnecting(ctx context.Context, _ centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
	cred, ok := centrifuge.GetCredentials(ctx)
	if !ok || cred.UserID == "" {
		return centrifuge.ConnectReply{}, centrifuge.DisconnectInvalidToken
	}
	return centrifuge.ConnectReply{}, nil
}

type chatPayload struct {
	Text string `json:"text"`
}

func onConnect(router Router, presence *presenceTracker, wsMetrics *metrics.WebSocketMetrics) func(client *centrifuge.Client) {
	return func(client *centrifuge.Client) {
		slog.Debug("Client connected", "client_id", client.ID(), "player_id", client.UserID())

		if wsMetrics != nil {
			wsMetrics.ActiveConnections.Inc()
		}

		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			if _, ok := domain.ParseGameChannel(e.Channel); !ok {
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
				return
			}

			cb(centrifuge.SubscribeReply{Options: centrifuge.SubscribeOptions{EmitPresence: true}}, nil)

			occupancy := presence.join(e.Channel, client.ID())
			router.OnPresence(eventContext(client), domain.PresenceEvent{Channel: e.Channel, Occupancy: occupancy})
		})

		client.OnUnsubscribe(func(e centrifuge.UnsubscribeEvent) {
			occupancy, ok := presence.leave(e.Channel, client.ID())
			if !ok {
				return
			}
			router.OnPresence(eventContext(client), domain.PresenceEvent{Channel: e.Channel, Occupancy: occupancy})
		})

		client.OnPublish(func(e centrifuge.PublishEvent, cb centrifuge.PublishCallback) {
			if !presence.member(e.Channel, client.ID()) {
				cb(centrifuge.PublishReply{}, centrifuge.ErrorPermissionDenied)
				return
			}

			if wsMetrics != nil {
				wsMetrics.ChatMessages.Inc()
			}

			msg := domain.ChatMessage{
				SenderID: client.UserID(),
				Channel:  e.Channel,
				Text:     chatText(e.Data),
			}

			res, err := router.OnChatMessage(eventContext(client), msg)
			if err != nil {
				slog.Error("Failed to route socket message", "channel", e.Channel, "player_id", client.UserID(), "error", err)
				cb(centrifuge.PublishReply{}, centrifuge.ErrorInternal)
				return
			}
			if res == domain.PressRejected {
				cb(centrifuge.PublishReply{}, centrifuge.ErrorPermissionDenied)
				return
			}

			// Presses are not echoed to the channel; subscribers see the
			// hardware inputs they produce instead.
			cb(centrifuge.PublishReply{Result: &centrifuge.PublishResult{}}, nil)
		})

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			slog.Debug("Client disconnected", "client_id", client.ID(), "reason", e.Reason)
			if wsMetrics != nil {
				wsMetrics.ActiveConnections.Dec()
			}
		})
	}
}

func eventContext(client *centrifuge.Client) context.Context {
	return correlation.WithID(context.WithoutCancel(client.Context()), correlation.NewID())
}

// chatText accepts either {"text": "..."} or a bare string.
func chatText(data []byte) string {
	var p chatPayload
	if err := json.Unmarshal(data, &p); err == nil && p.Text != "" {
		return p.Text
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(data))
}

// SetupRedis moves the node's broker and presence onto Redis so publications
// reach subscribers connected to any replica.
func SetupRedis(node *centrifuge.Node, redisURL string) error {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	shardConfig := centrifuge.RedisShardConfig{
		Address:  opts.Addr,
		User:     opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	}
	shard, err := centrifuge.NewRedisShard(node, shardConfig)
	if err != nil {
		return fmt.Errorf("create redis shard: %w", err)
	}

	brokerConfig := centrifuge.RedisBrokerConfig{Prefix: "crowdpad", Shards: []*centrifuge.RedisShard{shard}}
	broker, err := centrifuge.NewRedisBroker(node, brokerConfig)
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	node.SetBroker(broker)

	pmConfig := centrifuge.RedisPresenceManagerConfig{Prefix: "crowdpad", Shards: []*centrifuge.RedisShard{shard}}
	presenceManager, err := centrifuge.NewRedisPresenceManager(node, pmConfig)
	if err != nil {
		return fmt.Errorf("create redis presence manager: %w", err)
	}
	node.SetPresenceManager(presenceManager)

	return nil
}

func slogHandler(entry centrifuge.LogEntry) {
	attrs := make([]any, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}
	switch entry.Level {
	case centrifuge.LogLevelDebug, centrifuge.LogLevelTrace:
		slog.Debug(entry.Message, attrs...)
	case centrifuge.LogLevelInfo:
		slog.Info(entry.Message, attrs...)
	case centrifuge.LogLevelWarn:
		slog.Warn(entry.Message, attrs...)
	case centrifuge.LogLevelError:
		slog.Error(entry.Message, attrs...)
	case centrifuge.LogLevelNone:
		// EMPTY
	}
}

func parseCentrifugeLogLevel(level string) centrifuge.LogLevel {
	switch level {
	case "debug":
		return centrifuge.LogLevelDebug
	case "warn":
		return centrifuge.LogLevelWarn
	case "error":
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}
