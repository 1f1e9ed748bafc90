package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/crowdpad/internal/domain"
)

type ChatSubscriptionRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ChatSubscriptionRepository = (*ChatSubscriptionRepo)(nil)

func NewChatSubscriptionRepo(pool *pgxpool.Pool) *ChatSubscriptionRepo {
	return &ChatSubscriptionRepo{pool: pool}
}

// Create stores the subscription for broadcasterID, replacing any previous one.
func (r *ChatSubscriptionRepo) Create(ctx context.Context, broadcasterID, subscriptionID, conduitID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_subscriptions (broadcaster_id, subscription_id, conduit_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (broadcaster_id) DO UPDATE
		SET subscription_id = EXCLUDED.subscription_id,
		    conduit_id = EXCLUDED.conduit_id,
		    created_at = NOW()`,
		broadcasterID, subscriptionID, conduitID)
	if err != nil {
		return fmt.Errorf("failed to create chat subscription: %w", err)
	}
	return nil
}

func (r *ChatSubscriptionRepo) GetByBroadcasterID(ctx context.Context, broadcasterID string) (*domain.ChatSubscription, error) {
	var sub domain.ChatSubscription
	err := r.pool.QueryRow(ctx, `
		SELECT broadcaster_id, subscription_id, conduit_id, created_at
		FROM chat_subscriptions
		WHERE broadcaster_id = $1`, broadcasterID).
		Scan(&sub.BroadcasterID, &sub.SubscriptionID, &sub.ConduitID, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat subscription by broadcaster ID: %w", err)
	}
	return &sub, nil
}

func (r *ChatSubscriptionRepo) Delete(ctx context.Context, broadcasterID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM chat_subscriptions WHERE broadcaster_id = $1`, broadcasterID); err != nil {
		return fmt.Errorf("failed to delete chat subscription by broadcaster ID: %w", err)
	}
	return nil
}

// DeleteByConduitID drops every subscription that was delivered through a
// conduit, used when a stale conduit is replaced.
func (r *ChatSubscriptionRepo) DeleteByConduitID(ctx context.Context, conduitID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM chat_subscriptions WHERE conduit_id = $1`, conduitID); err != nil {
		return fmt.Errorf("failed to delete chat subscriptions by conduit ID: %w", err)
	}
	return nil
}

// List returns every stored subscription ordered by broadcaster ID.
func (r *ChatSubscriptionRepo) List(ctx context.Context) ([]domain.ChatSubscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT broadcaster_id, subscription_id, conduit_id, created_at
		FROM chat_subscriptions
		ORDER BY broadcaster_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat subscriptions: %w", err)
	}

	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ChatSubscription, error) {
		var sub domain.ChatSubscription
		err := row.Scan(&sub.BroadcasterID, &sub.SubscriptionID, &sub.ConduitID, &sub.CreatedAt)
		return sub, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan chat subscriptions: %w", err)
	}
	return subs, nil
}
