package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/inventory-ledger/internal/port"
)

// MemoryCache is the CacheRepository used when no Redis is configured.
// Idempotency keys expire after the same TTL the Redis adapter uses.
type MemoryCache struct {
	mu         sync.Mutex
	now        func() time.Time
	aggregates map[string]port.AggregateRecord
	keys       map[string]time.Time
}

var _ port.CacheRepository = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		now:        time.Now,
		aggregates: make(map[string]port.AggregateRecord),
		keys:       make(map[string]time.Time),
	}
}

func (c *MemoryCache) SetAggregate(ctx context.Context, productID string, rec port.AggregateRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.aggregates[productID]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return nil
	}
	c.aggregates[productID] = rec
	return nil
}

func (c *MemoryCache) GetAggregate(ctx context.Context, productID string) (port.AggregateRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.aggregates[productID]
	return rec, ok, nil
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.keys[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

func (c *MemoryCache) ReleaseIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}
