package eventbus

import (
	"context"

	"github.com/sambitmohanty1/payment-webhooks/internal/events"
)

// TopicBusinessEvents carries every business event destined for merchant endpoints.
const TopicBusinessEvents = "business_events"

// EventBus decouples event producers on the ingestion path from delivery.
type EventBus interface {
	// Publish must not block on subscriber work.
	Publish(ctx context.Context, topic string, event events.Business) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)
	Close() error
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event events.Business) error

// Subscription represents an event subscription
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}
