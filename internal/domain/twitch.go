package domain

import (
	"context"
	"time"
)

// ChatSubscription is a record of a Twitch EventSub chat subscription delivered
// through a conduit.
type ChatSubscription struct {
	BroadcasterID  string
	SubscriptionID string
	ConduitID      string
	CreatedAt      time.Time
}

// ChatSubscriptionRepository persists chat subscription records.
type ChatSubscriptionRepository interface {
	Create(ctx context.Context, broadcasterID, subscriptionID, conduitID string) error
	GetByBroadcasterID(ctx context.Context, broadcasterID string) (*ChatSubscription, error)
	Delete(ctx context.Context, broadcasterID string) error
	DeleteByConduitID(ctx context.Context, conduitID string) error
	List(ctx context.Context) ([]ChatSubscription, error)
}
