package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/correlation"
)

const DefaultReconcileInterval = 5 * time.Minute

type liveBroadcasters interface {
	LiveBroadcasters() ([]string, bool)
}

type subscriptionLister interface {
	List(ctx context.Context) ([]domain.ChatSubscription, error)
}

// ChatReconciler periodically checks for drift between stored chat
// subscriptions and the broadcasters of running sessions. Missing
// subscriptions are created right away. A stored subscription without a live
// session is removed only after two consecutive passes have seen it orphaned,
// so a session whose change event is still in flight keeps its chat.
type ChatReconciler struct {
	live     liveBroadcasters
	stored   subscriptionLister
	chat     domain.ChatSubscriber
	clock    clockwork.Clock
	interval time.Duration
	metrics  *metrics.ArbitrationMetrics

	suspects map[string]struct{}
}

// NewChatReconciler creates the reconciliation job. m may be nil.
func NewChatReconciler(live liveBroadcasters, stored subscriptionLister, chat domain.ChatSubscriber, clock clockwork.Clock, interval time.Duration, m *metrics.ArbitrationMetrics) *ChatReconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &ChatReconciler{
		live:     live,
		stored:   stored,
		chat:     chat,
		clock:    clock,
		interval: interval,
		metrics:  m,
		suspects: make(map[string]struct{}),
	}
}

// Run reconciles every interval until ctx is cancelled.
func (r *ChatReconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			passCtx := correlation.WithID(ctx, correlation.NewID())
			if err := r.reconcile(passCtx); err != nil {
				slog.ErrorContext(passCtx, "Chat reconciliation failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("Chat reconciler stopped")
			return
		}
	}
}

func (r *ChatReconciler) reconcile(ctx context.Context) error {
	wanted, ok := r.live.LiveBroadcasters()
	if !ok {
		// Standby replicas own no sessions and must leave subscriptions alone.
		clear(r.suspects)
		return nil
	}

	subs, err := r.stored.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chat subscriptions: %w", err)
	}

	stored := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		stored[sub.BroadcasterID] = struct{}{}
	}
	live := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		live[id] = struct{}{}
	}

	for _, id := range wanted {
		if _, ok := stored[id]; ok {
			continue
		}
		slog.WarnContext(ctx, "Chat subscription missing for live session", "broadcaster_id", id)
		err := r.chat.Subscribe(ctx, id)
		if errors.Is(err, domain.ErrAlreadySubscribed) {
			err = nil
		}
		r.record(ctx, "missing", id, err)
	}

	suspects := make(map[string]struct{})
	for id := range stored {
		if _, ok := live[id]; ok {
			continue
		}
		if _, seen := r.suspects[id]; !seen {
			suspects[id] = struct{}{}
			continue
		}
		slog.WarnContext(ctx, "Chat subscription orphaned", "broadcaster_id", id)
		err := r.chat.Unsubscribe(ctx, id)
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			err = nil
		}
		r.record(ctx, "orphaned", id, err)
	}
	r.suspects = suspects

	return nil
}

func (r *ChatReconciler) record(ctx context.Context, kind, broadcasterID string, err error) {
	result := "fixed"
	if err != nil {
		result = "error"
		slog.ErrorContext(ctx, "Failed to fix chat drift", "kind", kind, "broadcaster_id", broadcasterID, "error", err)
	} else {
		slog.InfoContext(ctx, "Chat drift fixed", "kind", kind, "broadcaster_id", broadcasterID)
	}
	if r.metrics != nil {
		r.metrics.ChatDrift.WithLabelValues(kind, result).Inc()
	}
}
