package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete removes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExtend resets the expiry of KEYS[1] to ARGV[2] ms only if it
// still holds ARGV[1].
var compareAndExtend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker stores resource claims as plain string keys with a PX expiry.
// It satisfies lock.Store.
type Locker struct {
	client *Client
	prefix string
}

// NewLocker creates a claim store. Keys are namespaced under "lock:".
func NewLocker(client *Client) *Locker {
	return &Locker{client: client, prefix: "lock:"}
}

// SetNX claims key for ttl if no live claim exists.
func (l *Locker) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// CompareAndDelete drops key only while it still holds token.
func (l *Locker) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, l.client.rdb, []string{l.prefix + key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	return n == 1, nil
}

// CompareAndExtend resets key's expiry to ttl only while it still holds token.
func (l *Locker) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := compareAndExtend.Run(ctx, l.client.rdb, []string{l.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-extend failed: %w", err)
	}
	return n == 1, nil
}
