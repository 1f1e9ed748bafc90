package twitch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/correlation"
)

const webhookProcessingTimeout = 5 * time.Second

// ChatRouter receives chat messages bridged from Twitch.
type ChatRouter interface {
	OnChatMessage(ctx context.Context, msg domain.ChatMessage) (domain.PressResult, error)
}

// Debouncer throttles presses per chatter.
type Debouncer interface {
	IsDebounced(ctx context.Context, scope, playerID string) (bool, error)
}

type WebhookHandler struct {
	handler   *helix.EventSubWebhookHandler
	router    ChatRouter
	debouncer Debouncer
}

// NewWebhookHandler verifies EventSub deliveries with secret and routes chat
// messages to router. debouncer may be nil.
func NewWebhookHandler(secret string, router ChatRouter, debouncer Debouncer) *WebhookHandler {
	wh := &WebhookHandler{
		router:    router,
		debouncer: debouncer,
	}

	wh.handler = helix.NewEventSubWebhookHandler(
		helix.WithWebhookSecret(secret),
		helix.WithNotificationHandler(wh.handleNotification),
		helix.WithVerificationHandler(func(msg *helix.EventSubWebhookMessage) bool {
			slog.Info("EventSub webhook verification", "subscription_type", msg.SubscriptionType)
			return true
		}),
		helix.WithRevocationHandler(func(msg *helix.EventSubWebhookMessage) {
			slog.Warn("EventSub subscription revoked", "type", msg.SubscriptionType, "reason", helix.GetRevocationReason(msg.Subscription))
		}),
	)

	return wh
}

func (wh *WebhookHandler) handleNotification(msg *helix.EventSubWebhookMessage) {
	if msg.SubscriptionType != helix.EventSubTypeChannelChatMessage {
		return
	}

	event, err := helix.ParseEventSubEvent[helix.ChannelChatMessageEvent](msg)
	if err != nil {
		slog.Error("Failed to parse chat message event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()
	ctx = correlation.WithID(ctx, correlation.NewID())

	if wh.debounced(ctx, event.BroadcasterUserID, event.ChatterUserID) {
		slog.DebugContext(ctx, "Chat press debounced", "broadcaster_id", event.BroadcasterUserID, "player_id", event.ChatterUserID)
		return
	}

	res, err := wh.router.OnChatMessage(ctx, domain.ChatMessage{
		SenderID: event.ChatterUserID,
		Channel:  domain.TwitchChannel(event.BroadcasterUserID),
		Text:     event.Message.Text,
	})
	if errors.Is(err, context.DeadlineExceeded) {
		slog.WarnContext(ctx, "Chat message timed out", "broadcaster_id", event.BroadcasterUserID, "timeout", webhookProcessingTimeout)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "Chat message failed", "broadcaster_id", event.BroadcasterUserID, "error", err)
		return
	}

	slog.DebugContext(ctx, "Chat message processed", "broadcaster_id", event.BroadcasterUserID, "player_id", event.ChatterUserID, "result", res.String())
}

// debounced reports whether the chatter pressed too recently. A failing
// debouncer lets the press through.
func (wh *WebhookHandler) debounced(ctx context.Context, broadcasterID, chatterID string) bool {
	if wh.debouncer == nil {
		return false
	}
	debounced, err := wh.debouncer.IsDebounced(ctx, domain.TwitchChannel(broadcasterID), chatterID)
	if err != nil {
		slog.WarnContext(ctx, "Debounce check failed", "broadcaster_id", broadcasterID, "error", err)
		return false
	}
	return debounced
}

func (wh *WebhookHandler) HandleEventSub(w http.ResponseWriter, r *http.Request) {
	wh.handler.ServeHTTP(w, r)
}
