package port

import (
	"context"
	"time"
)

// AggregateRecord is a product's running sums as mirrored for readers outside this process.
type AggregateRecord struct {
	SumAll      int64
	SumNegative int64
	Count       int64
	UpdatedAt   time.Time
}

type CacheRepository interface {
	// SetAggregate overwrites the mirrored aggregate of a product
	SetAggregate(ctx context.Context, productID string, rec AggregateRecord) error

	// GetAggregate reads a mirrored aggregate, ok is false when nothing was mirrored yet
	GetAggregate(ctx context.Context, productID string) (rec AggregateRecord, ok bool, err error)

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a key so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
