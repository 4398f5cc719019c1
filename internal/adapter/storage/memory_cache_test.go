package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rl1809/inventory-ledger/internal/port"
)

func TestMemoryCache_IdempotencyExpires(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	if ok, _ := cache.SetIdempotency(ctx, "txn:1"); !ok {
		t.Fatal("first claim failed")
	}
	if ok, _ := cache.SetIdempotency(ctx, "txn:1"); ok {
		t.Fatal("second claim succeeded")
	}
	now = now.Add(idempotencyKeyTTL)
	if ok, _ := cache.SetIdempotency(ctx, "txn:1"); !ok {
		t.Fatal("claim after expiry failed")
	}
	if err := cache.ReleaseIdempotency(ctx, "txn:1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := cache.SetIdempotency(ctx, "txn:1"); !ok {
		t.Fatal("claim after release failed")
	}
}

func TestMemoryCache_KeepsNewestAggregate(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = cache.SetAggregate(ctx, "p", port.AggregateRecord{SumAll: 5, UpdatedAt: base.Add(time.Second)})
	_ = cache.SetAggregate(ctx, "p", port.AggregateRecord{SumAll: 1, UpdatedAt: base})

	rec, ok, err := cache.GetAggregate(ctx, "p")
	if err != nil || !ok || rec.SumAll != 5 {
		t.Fatalf("aggregate = %+v, %v, %v", rec, ok, err)
	}
	if _, ok, _ := cache.GetAggregate(ctx, "q"); ok {
		t.Fatal("unexpected aggregate for q")
	}
}
