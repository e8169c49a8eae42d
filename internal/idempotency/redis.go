package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const inFlightMarker = "processing"

// RedisLedger stores claims as SETNX keys with a TTL, shared across instances.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger creates a new redis-backed ledger.
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func (r *RedisLedger) key(eventID string) string {
	return fmt.Sprintf("processed_event:%s", eventID)
}

func (r *RedisLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(eventID), inFlightMarker, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}
	return ok, nil
}

func (r *RedisLedger) MarkProcessed(ctx context.Context, eventID string, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := r.client.Set(ctx, r.key(eventID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	return nil
}

func (r *RedisLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (r *RedisLedger) GetCachedResult(ctx context.Context, eventID string) (*Result, error) {
	raw, err := r.client.Get(ctx, r.key(eventID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	if raw == inFlightMarker {
		return nil, nil
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &res, nil
}

func (r *RedisLedger) Release(ctx context.Context, eventID string) error {
	return r.client.Del(ctx, r.key(eventID)).Err()
}
