package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	aggregateKeyPrefix = "aggregate:"
	idempotencyKeyTTL  = 24 * time.Hour
)

// setAggregateScript overwrites the aggregate hash unless the stored copy is
// newer, so replicas sharing one Redis never roll a product back.
var setAggregateScript = redis.NewScript(`
local key = KEYS[1]
local updated = tonumber(ARGV[4])

local current = redis.call('HGET', key, 'updated_at')
if current and tonumber(current) > updated then
	return 0
end

redis.call('HSET', key, 'sum_all', ARGV[1], 'sum_negative', ARGV[2], 'count', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

var _ port.CacheRepository = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetAggregate(ctx context.Context, productID string, rec port.AggregateRecord) error {
	key := aggregateKeyPrefix + productID
	return setAggregateScript.Run(ctx, r.client, []string{key},
		rec.SumAll, rec.SumNegative, rec.Count, rec.UpdatedAt.UnixMilli(),
	).Err()
}

func (r *RedisAdapter) GetAggregate(ctx context.Context, productID string) (port.AggregateRecord, bool, error) {
	fields, err := r.client.HGetAll(ctx, aggregateKeyPrefix+productID).Result()
	if err != nil {
		return port.AggregateRecord{}, false, err
	}
	if len(fields) == 0 {
		return port.AggregateRecord{}, false, nil
	}

	var (
		rec     port.AggregateRecord
		updated int64
	)
	for name, dst := range map[string]*int64{
		"sum_all":      &rec.SumAll,
		"sum_negative": &rec.SumNegative,
		"count":        &rec.Count,
		"updated_at":   &updated,
	} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return port.AggregateRecord{}, false, fmt.Errorf("parse %s of %s: %w", name, productID, err)
		}
		*dst = v
	}
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, true, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
