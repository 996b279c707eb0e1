package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "genjobs:ready"
	scheduledKey = "genjobs:scheduled"
	deadKey      = "genjobs:dead"
)

// RedisQueue implements Queue backed by Redis: LPUSH/LREM on the ready list,
// a ZSET keyed by due time for delayed retries.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error {
	score := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, scheduledKey, redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("queue: schedule %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) PromoteScheduled(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	due, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list due jobs: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	for _, jobID := range due {
		pipe.LPush(ctx, readyKey, jobID)
		pipe.ZRem(ctx, scheduledKey, jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: promote scheduled: %w", err)
	}
	return len(due), nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, readyKey, 0, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string) error {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, readyKey, 0, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.LPush(ctx, deadKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: fail %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, readyKey).Result()
}

var _ Queue = (*RedisQueue)(nil)
