package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/payment-webhooks/internal/events"
)

// BLPOP timeouts are whole seconds; this also bounds how long Close waits.
const defaultBlockTimeout = time.Second

// RedisEventBus implements EventBus as a Redis list per topic. Every event is
// popped by exactly one subscriber across all instances sharing the Redis, so
// running several instances does not multiply deliveries.
type RedisEventBus struct {
	client       *redis.Client
	logger       *zap.Logger
	blockTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

type redisSubscription struct {
	id     string
	topic  string
	cancel context.CancelFunc
}

// NewRedisEventBus creates a new Redis-based event bus
func NewRedisEventBus(client *redis.Client, logger *zap.Logger) *RedisEventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisEventBus{
		client:       client,
		logger:       logger,
		blockTimeout: defaultBlockTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func queueKey(topic string) string {
	return "eventbus:" + topic
}

// Publish appends an event to the topic's queue.
func (r *RedisEventBus) Publish(ctx context.Context, topic string, event events.Business) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := r.client.RPush(ctx, queueKey(topic), data)
	if result.Err() != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", result.Err())
	}

	r.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.String("event_type", event.Type),
		zap.Int64("queued", result.Val()))
	return nil
}

// Subscribe starts a consumer on the topic's queue. Subscribers of the same
// topic compete for events rather than each receiving a copy.
func (r *RedisEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(r.ctx)
	sub := &redisSubscription{
		id:     uuid.NewString(),
		topic:  topic,
		cancel: cancel,
	}

	r.wg.Add(1)
	go r.consume(subCtx, sub, handler)

	r.logger.Info("Subscription created",
		zap.String("subscription_id", sub.id),
		zap.String("topic", topic))
	return sub, nil
}

func (r *RedisEventBus) consume(ctx context.Context, sub *redisSubscription, handler EventHandler) {
	defer r.wg.Done()

	key := queueKey(sub.topic)
	for ctx.Err() == nil {
		res, err := r.client.BLPop(ctx, r.blockTimeout, key).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("Failed to read event queue",
				zap.String("topic", sub.topic),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(r.blockTimeout):
			}
			continue
		}

		// BLPOP replies with the key followed by the value.
		var event events.Business
		if err := json.Unmarshal([]byte(res[1]), &event); err != nil {
			r.logger.Error("Dropping undecodable event",
				zap.String("topic", sub.topic),
				zap.Error(err))
			continue
		}

		// The event has left the queue; finish it even if we are stopping.
		if err := handler(context.WithoutCancel(ctx), event); err != nil {
			r.logger.Error("Failed to process event",
				zap.String("subscription_id", sub.id),
				zap.String("topic", sub.topic),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}

// Close stops every consumer and waits for in-flight handlers. The Redis
// client is owned by the caller.
func (r *RedisEventBus) Close() error {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Redis event bus closed")
	return nil
}

func (s *redisSubscription) ID() string    { return s.id }
func (s *redisSubscription) Topic() string { return s.topic }

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
