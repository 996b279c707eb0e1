package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore keeps window counters in Redis so quota enforcement is
// shared across API instances.
type RedisCounterStore struct {
	rdb *redis.Client
}

func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	remaining := pttl.Val()
	if remaining < 0 {
		remaining = ttl
	}
	return incr.Val(), remaining, nil
}

var _ CounterStore = (*RedisCounterStore)(nil)
