// Package idempotency records which inbound provider events have already been
// handled so that redelivered webhooks short-circuit to the first outcome.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultTTL matches the provider's redelivery window.
const DefaultTTL = 24 * time.Hour

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Result is the cached outcome of handling an event.
type Result struct {
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// Ledger is an idempotent-receiver store keyed by provider event id.
//
// Claim is the only write that decides ownership: it must be an atomic
// insert-if-absent, and a false return always means "already processed".
type Ledger interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, result Result) error
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// GetCachedResult returns nil when the event is unknown or still in flight.
	GetCachedResult(ctx context.Context, eventID string) (*Result, error)
	// Release drops a claim whose handler failed before producing a result.
	Release(ctx context.Context, eventID string) error
}

// New builds the ledger selected by backend. The memory backend is only correct
// for a single process; multi-instance deployments need redis or postgres.
func New(backend string, ttl time.Duration, db *gorm.DB, rc *redis.Client, logger *zap.Logger) (Ledger, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	switch backend {
	case BackendRedis:
		if rc == nil {
			return nil, fmt.Errorf("redis idempotency backend requires a redis client")
		}
		return NewRedisLedger(rc, ttl), nil
	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres idempotency backend requires a database")
		}
		return NewGormLedger(db, ttl), nil
	case BackendMemory, "":
		logger.Warn("Using in-memory idempotency ledger; not safe for multiple instances")
		return NewMemoryLedger(ttl), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", backend)
	}
}
