// Package transport delivers messages to provider APIs, one ChannelTransport
// per channel, selected by a Registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/retry"
)

// SendResult is what a provider returns for an accepted message.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// ChannelTransport sends messages on one channel.
type ChannelTransport interface {
	Channel() string
	Send(ctx context.Context, recipient string, msg db.JobPayload) (SendResult, error)
}

// TransientError is a failure worth retrying: throttling (429), provider
// unavailability (503, 504) or a network reset or timeout.
type TransientError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transient error (status %d): %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transient error: %v", e.Channel, e.Err)
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) HTTPStatus() int { return e.StatusCode }

// Transient reports whether the failure is retried. A status outside the
// retryable set is not, however the error was built.
func (e *TransientError) Transient() bool {
	return e.StatusCode == 0 || retry.RetryableStatus(e.StatusCode)
}

// PermanentError is a failure that will not succeed on retry: a rejected
// request (4xx), a provider error other than 503/504, or a connection that
// cannot be made at all.
type PermanentError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s permanent error (status %d): %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s permanent error: %v", e.Channel, e.Err)
}

func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Transient() bool { return false }
func (e *PermanentError) HTTPStatus() int { return e.StatusCode }

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ClassifyStatus maps a provider HTTP status to a typed error. Only 429, 503
// and 504 are transient.
func ClassifyStatus(channel string, status int, err error) error {
	if retry.RetryableStatus(status) {
		return &TransientError{Channel: channel, StatusCode: status, Err: err}
	}
	return &PermanentError{Channel: channel, StatusCode: status, Err: err}
}

// ClassifyRequestError maps a failed HTTP round trip (no response) to a typed
// error: resets, refusals and timeouts are transient, anything else such as
// an unknown host or a TLS failure is permanent.
func ClassifyRequestError(channel string, err error) error {
	if retry.IsRetryable(err) {
		return &TransientError{Channel: channel, Err: err}
	}
	return &PermanentError{Channel: channel, Err: err}
}

// Registry routes sends to the transport registered for a channel.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]ChannelTransport
	logger     *zap.Logger
}

// NewRegistry creates a registry holding transports.
func NewRegistry(logger *zap.Logger, transports ...ChannelTransport) *Registry {
	r := &Registry{
		transports: make(map[string]ChannelTransport),
		logger:     logger,
	}
	for _, t := range transports {
		r.Register(t)
	}
	return r
}

// Register adds or replaces the transport for t.Channel().
func (r *Registry) Register(t ChannelTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Channel()] = t
}

// Lookup returns the transport of channel.
func (r *Registry) Lookup(channel string) (ChannelTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[channel]
	return t, ok
}

// Send delivers msg to recipient on channel.
func (r *Registry) Send(ctx context.Context, channel, recipient string, msg db.JobPayload) (SendResult, error) {
	t, ok := r.Lookup(channel)
	if !ok {
		return SendResult{}, &PermanentError{Channel: channel, Err: errors.New("no transport registered")}
	}
	if recipient == "" {
		return SendResult{}, &PermanentError{Channel: channel, Err: errors.New("lead has no address on this channel")}
	}

	r.logger.Debug("routing message to transport",
		zap.String("channel", channel),
	)
	return t.Send(ctx, recipient, msg)
}
