package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// WhatsApp sends through the WhatsApp Cloud API.
type WhatsApp struct {
	client *graphClient
}

// NewWhatsApp creates a WhatsApp Cloud API transport. cfg.SenderID is the phone number id.
func NewWhatsApp(cfg GraphConfig, logger *zap.Logger) *WhatsApp {
	return &WhatsApp{client: newGraphClient(db.ChannelWhatsApp, cfg, logger)}
}

func (w *WhatsApp) Channel() string { return db.ChannelWhatsApp }

type waRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             *waText     `json:"text,omitempty"`
	Template         *waTemplate `json:"template,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components,omitempty"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waParameter `json:"parameters"`
}

type waParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers a template when msg names one, free text otherwise.
func (w *WhatsApp) Send(ctx context.Context, recipient string, msg db.JobPayload) (SendResult, error) {
	req := waRequest{MessagingProduct: "whatsapp", To: recipient}

	switch {
	case msg.TemplateName != "":
		lang := msg.Language
		if lang == "" {
			lang = "en_US"
		}
		tpl := &waTemplate{Name: msg.TemplateName, Language: waLanguage{Code: lang}}
		if len(msg.Params) > 0 {
			comp := waComponent{Type: "body"}
			for _, p := range msg.Params {
				comp.Parameters = append(comp.Parameters, waParameter{Type: "text", Text: p})
			}
			tpl.Components = []waComponent{comp}
		}
		req.Type = "template"
		req.Template = tpl
	case msg.Text != "":
		req.Type = "text"
		req.Text = &waText{Body: msg.Text}
	default:
		return SendResult{}, &PermanentError{Channel: db.ChannelWhatsApp, Err: errors.New("message has neither text nor template")}
	}

	var resp waResponse
	if err := w.client.postMessages(ctx, req, &resp); err != nil {
		return SendResult{}, err
	}
	if len(resp.Messages) == 0 {
		w.client.logger.Warn("provider accepted message without an id", zap.String("channel", db.ChannelWhatsApp))
		return SendResult{}, nil
	}
	return SendResult{ProviderMessageID: resp.Messages[0].ID}, nil
}
