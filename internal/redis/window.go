package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lalithlochan/courier/internal/window"
)

// WindowCounter keeps one sorted set per key, scored by event time in
// microseconds. It satisfies window.Counter.
type WindowCounter struct {
	client *Client
	prefix string
}

// NewWindowCounter creates a Redis-backed rolling window counter.
func NewWindowCounter(client *Client) *WindowCounter {
	return &WindowCounter{client: client, prefix: "window:"}
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// Usage implements window.Counter.
func (w *WindowCounter) Usage(ctx context.Context, key string, limit int, win time.Duration, now time.Time) (window.Usage, error) {
	redisKey := w.prefix + key

	pipe := w.client.rdb.Pipeline()
	// Events exactly one window old have left it.
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", score(now.Add(-win)))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return window.Usage{}, fmt.Errorf("redis pipeline failed: %w", err)
	}

	u := window.Usage{Count: int(countCmd.Val()), Limit: limit}
	if !u.Exhausted() {
		return u, nil
	}

	// The event whose expiry brings the count back under limit.
	idx := int64(u.Count - limit)
	zs, err := w.client.rdb.ZRangeWithScores(ctx, redisKey, idx, idx).Result()
	if err != nil {
		return window.Usage{}, fmt.Errorf("redis zrange failed: %w", err)
	}
	if len(zs) == 1 {
		u.ClearsAt = time.UnixMicro(int64(zs[0].Score)).UTC().Add(win)
	}
	return u, nil
}

// Record implements window.Counter.
func (w *WindowCounter) Record(ctx context.Context, key string, at time.Time, win time.Duration) error {
	redisKey := w.prefix + key

	pipe := w.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(at.UnixMicro()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, redisKey, win+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}
	return nil
}
