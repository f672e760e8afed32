// Package window counts time-stamped events inside a trailing window.
//
// An event at time t is inside the window at now while now-t < window. It
// leaves the window exactly at t+window.
package window

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Usage describes a key's consumption of a rate budget.
type Usage struct {
	Count int
	Limit int
	// ClearsAt is when Count drops below Limit. Zero unless Exhausted.
	ClearsAt time.Time
}

// Exhausted reports whether one more event would exceed Limit.
// A non-positive Limit is unlimited.
func (u Usage) Exhausted() bool {
	return u.Limit > 0 && u.Count >= u.Limit
}

// Remaining reports how many more events fit in the window.
func (u Usage) Remaining() int {
	if u.Limit <= 0 {
		return -1
	}
	return max(0, u.Limit-u.Count)
}

// Counter is a rolling window event counter shared by all workers.
type Counter interface {
	// Usage counts events of key inside window at now and, when the budget
	// is exhausted, derives the instant it next clears.
	Usage(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error)
	// Record appends one event at time at.
	Record(ctx context.Context, key string, at time.Time, window time.Duration) error
}

// ClearsAt returns the instant the count of sorted events falls below limit,
// i.e. when event[len-limit] leaves the window.
func ClearsAt(sorted []time.Time, limit int, window time.Duration) time.Time {
	if limit <= 0 || len(sorted) < limit {
		return time.Time{}
	}
	return sorted[len(sorted)-limit].Add(window)
}

// MemoryCounter is an in-process Counter for single-instance use and tests.
type MemoryCounter struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{events: make(map[string][]time.Time)}
}

func (c *MemoryCounter) prune(key string, cutoff time.Time) []time.Time {
	evs := c.events[key]
	i := sort.Search(len(evs), func(i int) bool { return evs[i].After(cutoff) })
	evs = evs[i:]
	if len(evs) == 0 {
		delete(c.events, key)
		return nil
	}
	c.events[key] = evs
	return evs
}

// Usage implements Counter.
func (c *MemoryCounter) Usage(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evs := c.prune(key, now.Add(-window))
	u := Usage{Count: len(evs), Limit: limit}
	if u.Exhausted() {
		u.ClearsAt = ClearsAt(evs, limit, window)
	}
	return u, nil
}

// Record implements Counter.
func (c *MemoryCounter) Record(_ context.Context, key string, at time.Time, window time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	evs := c.events[key]
	i := sort.Search(len(evs), func(i int) bool { return evs[i].After(at) })
	evs = append(evs, time.Time{})
	copy(evs[i+1:], evs[i:])
	evs[i] = at
	c.events[key] = evs
	return nil
}
