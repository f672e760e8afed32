package transport

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/lalithlochan/courier/internal/db"
)

// Throttled paces calls to a provider with a token bucket so bursts from a
// batch do not trip provider throttling.
type Throttled struct {
	next    ChannelTransport
	limiter *rate.Limiter
}

// NewThrottled allows perSecond sends with the given burst.
func NewThrottled(next ChannelTransport, perSecond float64, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Channel() string { return t.next.Channel() }

func (t *Throttled) Send(ctx context.Context, recipient string, msg db.JobPayload) (SendResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResult{}, &TransientError{Channel: t.next.Channel(), Err: err}
	}
	return t.next.Send(ctx, recipient, msg)
}
