package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryEntry struct {
	result *Result
}

// MemoryLedger keeps claims in a process-local TTL cache.
type MemoryLedger struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		cache: gocache.New(ttl, ttl/2),
		ttl:   ttl,
	}
}

func (m *MemoryLedger) Claim(_ context.Context, eventID string) (bool, error) {
	// Add fails when a live entry exists, which is the atomic check-and-set.
	if err := m.cache.Add(eventID, memoryEntry{}, m.ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryLedger) MarkProcessed(_ context.Context, eventID string, result Result) error {
	m.cache.Set(eventID, memoryEntry{result: &result}, m.ttl)
	return nil
}

func (m *MemoryLedger) IsProcessed(_ context.Context, eventID string) (bool, error) {
	_, ok := m.cache.Get(eventID)
	return ok, nil
}

func (m *MemoryLedger) GetCachedResult(_ context.Context, eventID string) (*Result, error) {
	v, ok := m.cache.Get(eventID)
	if !ok {
		return nil, nil
	}
	entry := v.(memoryEntry)
	if entry.result == nil {
		return nil, nil
	}
	res := *entry.result
	return &res, nil
}

func (m *MemoryLedger) Release(_ context.Context, eventID string) error {
	m.cache.Delete(eventID)
	return nil
}
