package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// Messenger sends Instagram and Facebook direct messages through the
// Messenger Platform Send API. Both channels share the request shape.
type Messenger struct {
	channel string
	client  *graphClient
}

// NewInstagram creates an Instagram messaging transport. cfg.SenderID is the
// Instagram professional account id.
func NewInstagram(cfg GraphConfig, logger *zap.Logger) *Messenger {
	return &Messenger{channel: db.ChannelInstagram, client: newGraphClient(db.ChannelInstagram, cfg, logger)}
}

// NewFacebook creates a Facebook Messenger transport. cfg.SenderID is the page id.
func NewFacebook(cfg GraphConfig, logger *zap.Logger) *Messenger {
	return &Messenger{channel: db.ChannelFacebook, client: newGraphClient(db.ChannelFacebook, cfg, logger)}
}

func (m *Messenger) Channel() string { return m.channel }

type sendAPIRequest struct {
	Recipient     sendAPIRecipient `json:"recipient"`
	MessagingType string           `json:"messaging_type,omitempty"`
	Tag           string           `json:"tag,omitempty"`
	Message       sendAPIMessage   `json:"message"`
}

type sendAPIRecipient struct {
	ID string `json:"id"`
}

type sendAPIMessage struct {
	Text string `json:"text"`
}

type sendAPIResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Send delivers msg.Text. A "tag" entry in msg.Metadata sends it as a tagged
// message outside the conversation window.
func (m *Messenger) Send(ctx context.Context, recipient string, msg db.JobPayload) (SendResult, error) {
	if msg.Text == "" {
		return SendResult{}, &PermanentError{Channel: m.channel, Err: errors.New("message text is empty")}
	}

	req := sendAPIRequest{
		Recipient: sendAPIRecipient{ID: recipient},
		Message:   sendAPIMessage{Text: msg.Text},
	}
	if m.channel == db.ChannelFacebook {
		req.MessagingType = "RESPONSE"
		if tag := msg.Metadata["tag"]; tag != "" {
			req.MessagingType = "MESSAGE_TAG"
			req.Tag = tag
		}
	}

	var resp sendAPIResponse
	if err := m.client.postMessages(ctx, req, &resp); err != nil {
		return SendResult{}, err
	}
	if resp.MessageID == "" {
		m.client.logger.Warn("provider accepted message without an id", zap.String("channel", m.channel))
	}
	return SendResult{ProviderMessageID: resp.MessageID}, nil
}
