package redis

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window request limiting on top of the
// shared window counter.
type RateLimiter struct {
	counter *WindowCounter
	logger  *zap.Logger
	config  RateLimitConfig
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		counter: &WindowCounter{client: client, prefix: "ratelimit:"},
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit and counts it if so.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	u, err := r.counter.Usage(ctx, key, r.config.Limit, r.config.Window, now)
	if err != nil {
		return nil, err
	}

	if u.Exhausted() {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", u.Count),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{Allowed: false, Limit: r.config.Limit, Remaining: 0, ResetAt: u.ClearsAt}, nil
	}

	if err := r.counter.Record(ctx, key, now, r.config.Window); err != nil {
		return nil, err
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.Limit,
		Remaining: u.Remaining() - 1,
		ResetAt:   now.Add(r.config.Window),
	}, nil
}
