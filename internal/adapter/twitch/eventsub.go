package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/retry"
)

const (
	defaultShardID        = "0"
	appTokenTimeout       = 15 * time.Second
	retryInitialBackoff   = 1 * time.Second
	retryRateLimitBackoff = 30 * time.Second
)

// EventSubManager delivers Twitch chat for live broadcasters through a single
// webhook conduit.
type EventSubManager struct {
	client     *helix.Client
	repository domain.ChatSubscriptionRepository

	conduitID   string
	callbackURL string
	secret      string
	botUserID   string
	policy      retry.Policy
}

func NewEventSubManager(ctx context.Context, clientID, clientSecret string, repository domain.ChatSubscriptionRepository, callbackURL, secret, botUserID string) (*EventSubManager, error) {
	ctx, cancel := context.WithTimeout(ctx, appTokenTimeout)
	defer cancel()

	authConfig := helix.AuthConfig{ClientID: clientID, ClientSecret: clientSecret}
	auth := helix.NewAuthClient(authConfig)
	client := helix.NewClient(clientID, auth)

	if _, err := auth.GetAppAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("failed to get app access token: %w", err)
	}

	return newEventSubManager(client, repository, callbackURL, secret, botUserID), nil
}

func newEventSubManager(client *helix.Client, repository domain.ChatSubscriptionRepository, callbackURL, secret, botUserID string) *EventSubManager {
	return &EventSubManager{
		client:      client,
		repository:  repository,
		callbackURL: callbackURL,
		secret:      secret,
		botUserID:   botUserID,
		policy: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   retryInitialBackoff,
			RateLimitBackoff: retryRateLimitBackoff,
		},
	}
}

func (m *EventSubManager) Setup(ctx context.Context) error {
	conduit, err := m.findOrCreateConduit(ctx)
	if err != nil {
		return err
	}

	if err := m.configureShard(ctx, conduit.ID); err != nil {
		conduit, err = m.recreateConduit(ctx, conduit.ID, err)
		if err != nil {
			return err
		}
	}

	m.conduitID = conduit.ID
	slog.Info("Conduit configured with webhook shard", "conduit_id", conduit.ID, "callback_url", m.callbackURL)
	return nil
}

func (m *EventSubManager) findOrCreateConduit(ctx context.Context) (*helix.Conduit, error) {
	resp, err := m.client.GetConduits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conduits: %w", err)
	}

	if len(resp.Data) > 0 {
		slog.Info("Found existing conduit", "conduit_id", resp.Data[0].ID)
		return &resp.Data[0], nil
	}

	return m.createConduit(ctx)
}

func (m *EventSubManager) createConduit(ctx context.Context) (*helix.Conduit, error) {
	conduit, err := m.client.CreateConduit(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create conduit: %w", err)
	}
	if conduit == nil {
		return nil, errors.New("no conduit returned from Twitch API")
	}

	slog.Info("Created conduit", "conduit_id", conduit.ID, "shard_count", conduit.ShardCount)
	return conduit, nil
}

func (m *EventSubManager) configureShard(ctx context.Context, conduitID string) error {
	shard := helix.UpdateConduitShardParams{
		ID: defaultShardID,
		Transport: helix.UpdateConduitShardTransport{
			Method:   "webhook",
			Callback: m.callbackURL,
			Secret:   m.secret,
		},
	}

	params := helix.UpdateConduitShardsParams{ConduitID: conduitID, Shards: []helix.UpdateConduitShardParams{shard}}
	_, err := m.client.UpdateConduitShards(ctx, &params)
	if err != nil {
		return fmt.Errorf("failed to update conduit shards: %w", err)
	}

	return nil
}

func (m *EventSubManager) recreateConduit(ctx context.Context, staleID string, shardErr error) (*helix.Conduit, error) {
	slog.Error("Shard configuration failed, recreating conduit", "conduit_id", staleID, "error", shardErr)

	if err := m.client.DeleteConduit(ctx, staleID); err != nil {
		return nil, fmt.Errorf("failed to delete stale conduit: %w", err)
	}

	conduit, err := m.createConduit(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.configureShard(ctx, conduit.ID); err != nil {
		return nil, fmt.Errorf("failed to configure shard on new conduit: %w", err)
	}

	return conduit, nil
}

func (m *EventSubManager) Cleanup(ctx context.Context) error {
	if m.conduitID == "" {
		return nil
	}

	// Deleting the conduit on Twitch drops its subscriptions, so the records go first.
	if err := m.repository.DeleteByConduitID(ctx, m.conduitID); err != nil {
		slog.Error("Failed to delete stale subscription records", "conduit_id", m.conduitID, "error", err)
	}

	if err := m.client.DeleteConduit(ctx, m.conduitID); err != nil {
		return fmt.Errorf("failed to delete conduit: %w", err)
	}

	slog.Info("Deleted conduit", "conduit_id", m.conduitID)
	return nil
}

var _ domain.ChatSubscriber = (*EventSubManager)(nil)

// Subscribe makes sure chat messages of broadcasterID reach the webhook. An
// existing subscription on the current conduit is kept.
func (m *EventSubManager) Subscribe(ctx context.Context, broadcasterID string) error {
	existing, err := m.repository.GetByBroadcasterID(ctx, broadcasterID)
	if err == nil {
		if existing.ConduitID == m.conduitID {
			slog.InfoContext(ctx, "EventSub subscription already exists", "broadcaster_id", broadcasterID)
			return nil
		}
		slog.InfoContext(ctx, "Deleting stale EventSub subscription", "broadcaster_id", broadcasterID, "old_conduit", existing.ConduitID, "current_conduit", m.conduitID)
		if delErr := m.repository.Delete(ctx, broadcasterID); delErr != nil {
			return fmt.Errorf("failed to delete stale subscription: %w", delErr)
		}
	} else if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to check existing subscription: %w", err)
	}

	p := m.policy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub subscribe failed, retrying", "broadcaster_id", broadcasterID, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	sub, err := retry.Do(ctx, p, classifyEventSubError, func(ctx context.Context) (*helix.EventSubSubscription, error) {
		return m.attemptSubscribe(ctx, broadcasterID)
	})
	if err != nil {
		label := "after retries"
		var permanent *retry.PermanentError
		if errors.As(err, &permanent) {
			label = "permanent"
		}

		slog.ErrorContext(ctx, "EventSub subscribe failed", "broadcaster_id", broadcasterID, "cause", label, "error", err)
		return fmt.Errorf("EventSub subscribe failed (%s): %w", label, err)
	}

	slog.InfoContext(ctx, "Subscribed to chat messages", "broadcaster_id", broadcasterID, "subscription_id", sub.ID)
	return nil
}

func (m *EventSubManager) attemptSubscribe(ctx context.Context, broadcasterUserID string) (*helix.EventSubSubscription, error) {
	params := helix.CreateEventSubSubscriptionParams{
		Type:    helix.EventSubTypeChannelChatMessage,
		Version: "1",
		Condition: map[string]string{
			"broadcaster_user_id": broadcasterUserID,
			"user_id":             m.botUserID,
		},
		Transport: helix.CreateEventSubTransport{
			Method:    "conduit",
			ConduitID: m.conduitID,
		},
	}
	sub, err := m.client.CreateEventSubSubscription(ctx, &params)
	if err != nil {
		var apiErr *helix.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
			return nil, fmt.Errorf("failed to create EventSub subscription: %w", err)
		}
		slog.InfoContext(ctx, "EventSub subscription already exists on Twitch, recovering", "broadcaster_id", broadcasterUserID)
		if sub, err = m.findExistingSubscription(ctx, broadcasterUserID); err != nil {
			return nil, err
		}
		// Without a record the reconciler would report it missing on every pass.
		if dbErr := m.repository.Create(ctx, broadcasterUserID, sub.ID, m.conduitID); dbErr != nil {
			return nil, fmt.Errorf("failed to persist recovered subscription: %w", dbErr)
		}
		return sub, nil
	}
	if sub == nil {
		return nil, errors.New("no subscription returned from Twitch API")
	}

	if dbErr := m.repository.Create(ctx, broadcasterUserID, sub.ID, m.conduitID); dbErr != nil {
		// Compensate: clean up Twitch subscription after DB persist failure
		if cleanupErr := m.client.DeleteEventSubSubscription(ctx, sub.ID); cleanupErr != nil {
			slog.Error("Failed to clean up Twitch subscription after DB persist failure", "subscription_id", sub.ID, "error", cleanupErr)
		}
		return nil, fmt.Errorf("failed to persist subscription: %w", dbErr)
	}

	return sub, nil
}

func (m *EventSubManager) findExistingSubscription(ctx context.Context, broadcasterUserID string) (*helix.EventSubSubscription, error) {
	params := helix.GetEventSubSubscriptionsParams{Type: helix.EventSubTypeChannelChatMessage}

	for {
		resp, err := m.client.GetEventSubSubscriptions(ctx, &params)
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions for 409 recovery: %w", err)
		}

		for _, sub := range resp.Data {
			if sub.Condition["broadcaster_user_id"] == broadcasterUserID && sub.Condition["user_id"] == m.botUserID {
				return &sub, nil
			}
		}

		if resp.Pagination == nil || resp.Pagination.Cursor == "" {
			break
		}
		params.PaginationParams = &helix.PaginationParams{After: resp.Pagination.Cursor}
	}

	return nil, fmt.Errorf("subscription not found on Twitch despite 409 conflict (broadcaster_user_id=%s)", broadcasterUserID)
}

// Unsubscribe removes the chat subscription of broadcasterID. A missing
// subscription is not an error.
func (m *EventSubManager) Unsubscribe(ctx context.Context, broadcasterID string) error {
	sub, err := m.repository.GetByBroadcasterID(ctx, broadcasterID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	twitchClean := m.deleteSubscriptionFromTwitch(ctx, sub.SubscriptionID)

	if err := m.repository.Delete(ctx, broadcasterID); err != nil {
		return fmt.Errorf("failed to delete subscription from DB: %w", err)
	}

	if twitchClean {
		slog.InfoContext(ctx, "Unsubscribed from chat messages", "broadcaster_id", broadcasterID, "subscription_id", sub.SubscriptionID)
	} else {
		slog.WarnContext(ctx, "Deleted subscription from DB but Twitch unsubscribe may have failed", "broadcaster_id", broadcasterID, "subscription_id", sub.SubscriptionID)
	}

	return nil
}

func (m *EventSubManager) deleteSubscriptionFromTwitch(ctx context.Context, subscriptionID string) bool {
	p := m.policy
	p.OnRetry = func(attempt int, retryErr error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub unsubscribe failed, retrying", "subscription_id", subscriptionID, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", retryErr)
	}

	err := retry.DoVoid(ctx, p, classifyEventSubError, func(ctx context.Context) error {
		err := m.client.DeleteEventSubSubscription(ctx, subscriptionID)
		var apiErr *helix.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			// Already gone on Twitch, e.g. after the broadcaster revoked it.
			return nil
		}
		return err
	})
	if err != nil {
		slog.ErrorContext(ctx, "EventSub unsubscribe failed, subscription may be orphaned", "subscription_id", subscriptionID, "error", err)
		return false
	}
	return true
}

// classifyEventSubError decides whether a Helix call is worth repeating.
// Throttling waits the long backoff, server faults and transport errors the
// normal one, and anything the API rejected or the caller abandoned stops.
func classifyEventSubError(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}

	var rateErr *helix.RateLimitError
	if errors.As(err, &rateErr) {
		return retry.After
	}

	var apiErr *helix.APIError
	if !errors.As(err, &apiErr) {
		return retry.Retry
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}
