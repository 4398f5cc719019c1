package service

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rl1809/inventory-ledger/internal/core/aggregate"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const mirrorWriteTimeout = 5 * time.Second

// AggregateMirror copies aggregate snapshots into a CacheRepository off the
// write path. Snapshots are sharded by product id so each product's writes
// reach the cache in order; a full shard drops the snapshot and logs it.
type AggregateMirror struct {
	logger  *log.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	shards []chan aggregate.Snapshot
}

func NewAggregateMirror(workers, queueSize int, logger *log.Logger) *AggregateMirror {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	m := &AggregateMirror{
		logger: logger,
		shards: make([]chan aggregate.Snapshot, workers),
	}
	for i := range m.shards {
		m.shards[i] = make(chan aggregate.Snapshot, queueSize)
	}
	return m
}

// Publish implements aggregate.Sink. It never blocks.
func (m *AggregateMirror) Publish(s aggregate.Snapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	shard := m.shards[xxhash.Sum64String(s.ProductID)%uint64(len(m.shards))]
	select {
	case shard <- s:
	default:
		n := m.dropped.Add(1)
		m.logger.Printf("mirror: queue full, dropped snapshot of %s (%d dropped so far)", s.ProductID, n)
	}
}

// Dropped returns how many snapshots were discarded because a shard was full.
func (m *AggregateMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run starts one worker per shard. The returned wait blocks until Close has
// been called and every queued snapshot is written.
func (m *AggregateMirror) Run(cache port.CacheRepository) (wait func()) {
	var wg sync.WaitGroup
	for i, shard := range m.shards {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.workerLoop(id, shard, cache)
		}(i)
	}
	m.logger.Printf("mirror: started %d workers", len(m.shards))
	return wg.Wait
}

// Close stops accepting snapshots and lets the workers drain.
func (m *AggregateMirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, shard := range m.shards {
		close(shard)
	}
}

func (m *AggregateMirror) workerLoop(id int, queue <-chan aggregate.Snapshot, cache port.CacheRepository) {
	for s := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
		err := cache.SetAggregate(ctx, s.ProductID, port.AggregateRecord{
			SumAll:      s.SumAll,
			SumNegative: s.SumNegative,
			Count:       s.Count,
			UpdatedAt:   time.Now().UTC(),
		})
		if err != nil {
			m.logger.Printf("mirror worker %d: failed to mirror %s: %v", id, s.ProductID, err)
		}
		cancel()
	}
}
