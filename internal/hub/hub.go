// Package hub implements the broadcast hub: a one-to-many fan-out of stock
// change events to every open session channel.
package hub

import (
	"context"

	"github.com/coachpo/shopstream/internal/schema"
)

// SubscriptionID identifies one hub subscription.
type SubscriptionID string

// Hub fans stock change events out to all subscribers. Delivery is
// at-least-once per connected subscriber, and events for the same product are
// never reordered relative to their publish order. No per-subscriber
// filtering: clients discard irrelevant events cheaply.
type Hub interface {
	Publish(ctx context.Context, evt schema.StockChangedEvent) error
	Subscribe(ctx context.Context) (SubscriptionID, <-chan schema.StockChangedEvent, error)
	Unsubscribe(id SubscriptionID)
	Close()
}
