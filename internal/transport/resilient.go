package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/retry"
)

// Resilient wraps a transport with a per-attempt timeout, bounded retries
// and a circuit breaker. The breaker sits inside the retry loop so an open
// circuit stops further attempts immediately.
type Resilient struct {
	next    ChannelTransport
	breaker *circuitbreaker.CircuitBreaker
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
}

// NewResilient decorates next. timeout bounds each attempt.
func NewResilient(next ChannelTransport, breaker *circuitbreaker.CircuitBreaker, policy retry.Policy, timeout time.Duration, logger *zap.Logger) *Resilient {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = retry.IsRetryable
	}
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, circuitbreaker.ErrCircuitOpen) && retryable(err)
	}
	channel := next.Channel()
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(n int, delay time.Duration, err error) {
		metrics.RecordRetry(channel)
		logger.Warn("retrying provider call",
			zap.String("channel", channel),
			zap.Int("retry", n),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if userOnRetry != nil {
			userOnRetry(n, delay, err)
		}
	}
	return &Resilient{
		next:    next,
		breaker: breaker,
		policy:  policy,
		timeout: timeout,
		logger:  logger,
	}
}

func (r *Resilient) Channel() string { return r.next.Channel() }

// Breaker returns the underlying circuit breaker for monitoring.
func (r *Resilient) Breaker() *circuitbreaker.CircuitBreaker { return r.breaker }

// Send delivers msg. Transient failures that survive every retry, and an
// open circuit, are surfaced as a PermanentError wrapping the last error.
func (r *Resilient) Send(ctx context.Context, recipient string, msg db.JobPayload) (SendResult, error) {
	res, err := r.send(ctx, recipient, msg)
	if err == nil || IsPermanent(err) || ctx.Err() != nil {
		return res, err
	}
	var te *TransientError
	status := 0
	if errors.As(err, &te) {
		status = te.StatusCode
	}
	return SendResult{}, &PermanentError{Channel: r.next.Channel(), StatusCode: status, Err: fmt.Errorf("retries exhausted: %w", err)}
}

func (r *Resilient) send(ctx context.Context, recipient string, msg db.JobPayload) (SendResult, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) (SendResult, error) {
		return circuitbreaker.Call(r.breaker, func() (SendResult, error) {
			attemptCtx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			return r.next.Send(attemptCtx, recipient, msg)
		}, func(err error) (SendResult, error) {
			return SendResult{}, &TransientError{Channel: r.next.Channel(), Err: err}
		})
	})
}

// ProviderFailure is the breaker classifier for transports: caller mistakes
// (permanent 4xx) do not count against the provider, but every 5xx does,
// retried or not.
func ProviderFailure(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500
	}
	return true
}
