package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/payment-webhooks/internal/events"
)

// LocalEventBus runs handlers on goroutines inside this process.
type LocalEventBus struct {
	logger      *zap.Logger
	subscribers map[string][]*localSubscription
	mutex       sync.RWMutex
	inflight    sync.WaitGroup
	closed      bool
}

type localSubscription struct {
	id      string
	topic   string
	handler EventHandler
	bus     *LocalEventBus
}

// NewLocalEventBus creates a new in-process event bus
func NewLocalEventBus(logger *zap.Logger) *LocalEventBus {
	return &LocalEventBus{
		logger:      logger,
		subscribers: make(map[string][]*localSubscription),
	}
}

// Publish hands the event to every subscriber on its own goroutine. The
// handlers get a context detached from the caller's cancellation so that a
// finished HTTP request does not abort deliveries it triggered.
func (b *LocalEventBus) Publish(ctx context.Context, topic string, event events.Business) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus closed")
	}

	detached := context.WithoutCancel(ctx)
	for _, sub := range b.subscribers[topic] {
		b.inflight.Add(1)
		go func(sub *localSubscription) {
			defer b.inflight.Done()
			if err := sub.handler(detached, event); err != nil {
				b.logger.Error("Event handler failed",
					zap.String("topic", topic),
					zap.String("event_id", event.ID),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.String("event_type", event.Type),
		zap.Int("recipients", len(b.subscribers[topic])))
	return nil
}

// Subscribe registers handler for topic.
func (b *LocalEventBus) Subscribe(_ context.Context, topic string, handler EventHandler) (Subscription, error) {
	sub := &localSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		bus:     b,
	}

	b.mutex.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mutex.Unlock()

	return sub, nil
}

func (b *LocalEventBus) unsubscribe(sub *localSubscription) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subs := b.subscribers[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscribers[sub.topic] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("subscription not found: %s", sub.id)
}

// Close stops accepting events and waits for running handlers.
func (b *LocalEventBus) Close() error {
	b.mutex.Lock()
	b.closed = true
	b.mutex.Unlock()

	b.inflight.Wait()
	return nil
}

func (s *localSubscription) ID() string         { return s.id }
func (s *localSubscription) Topic() string      { return s.topic }
func (s *localSubscription) Unsubscribe() error { return s.bus.unsubscribe(s) }
