package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// LogTransport logs messages instead of sending them (for development).
type LogTransport struct {
	channel string
	logger  *zap.Logger
}

// NewLogTransport creates a logging transport for channel.
func NewLogTransport(channel string, logger *zap.Logger) *LogTransport {
	return &LogTransport{channel: channel, logger: logger}
}

func (t *LogTransport) Channel() string { return t.channel }

func (t *LogTransport) Send(_ context.Context, recipient string, msg db.JobPayload) (SendResult, error) {
	id := "log." + uuid.NewString()
	t.logger.Info("logging message (development mode)",
		zap.String("channel", t.channel),
		zap.String("recipient", recipient),
		zap.String("template", msg.TemplateName),
		zap.Int("text_len", len(msg.Text)),
		zap.String("provider_message_id", id),
	)
	return SendResult{ProviderMessageID: id}, nil
}
