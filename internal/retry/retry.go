// Package retry runs calls to external providers with bounded, jittered
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"syscall"
	"time"
)

// Policy configures Do.
type Policy struct {
	// MaxRetries is how many times a failed call is retried after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the +/- fraction applied to each delay. Defaults to 0.25.
	Jitter float64

	// Retryable classifies errors. Defaults to IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each wait with the 1-based retry number.
	OnRetry func(retry int, delay time.Duration, err error)
}

// DefaultPolicy returns three retries starting at 200ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.25,
	}
}

// Delay returns the un-jittered wait before retry attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) jittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	j := p.Jitter
	if j <= 0 {
		j = 0.25
	}
	spread := float64(d) * j
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Transienter is implemented by errors that classify themselves. Its answer
// wins over every other check.
type Transienter interface {
	Transient() bool
}

// IsRetryable reports whether err is worth retrying: connection resets and
// refusals, timeouts, and HTTP 429, 503 and 504. Other statuses, 500 and 502
// included, are not retried.
// Temporary methods from the standard library are ignored; a reset read
// reports false there.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var tr Transienter
	if errors.As(err, &tr) {
		return tr.Transient()
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() != 0 {
		return RetryableStatus(sc.HTTPStatus())
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	switch status {
	case 429, 503, 504:
		return true
	}
	return false
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// retries are exhausted, or ctx is done. The last error is returned as is.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxRetries || !retryable(err) {
			return v, err
		}

		delay := p.jittered(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
