package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GraphConfig points a transport at the Meta Graph API.
type GraphConfig struct {
	BaseURL     string // default https://graph.facebook.com
	Version     string // default v20.0
	AccessToken string
	// SenderID is the WhatsApp phone number id, Instagram account id or Facebook page id.
	SenderID string
	Timeout  time.Duration
}

type graphClient struct {
	channel string
	cfg     GraphConfig
	http    *http.Client
	logger  *zap.Logger
}

type graphErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func newGraphClient(channel string, cfg GraphConfig, logger *zap.Logger) *graphClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Version == "" {
		cfg.Version = "v20.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &graphClient{
		channel: channel,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// postMessages POSTs body to /{version}/{sender}/messages and decodes a 2xx
// reply into out. out is left empty when a 2xx reply cannot be decoded.
func (c *graphClient) postMessages(ctx context.Context, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return &PermanentError{Channel: c.channel, Err: fmt.Errorf("encode request: %w", err)}
	}

	url := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Version, c.cfg.SenderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return &PermanentError{Channel: c.channel, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0.0")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ClassifyRequestError(c.channel, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		var ge graphErrorBody
		if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
			msg = fmt.Sprintf("%s (code %d)", ge.Error.Message, ge.Error.Code)
		}
		c.logger.Warn("provider rejected message",
			zap.String("channel", c.channel),
			zap.Int("status_code", resp.StatusCode),
			zap.String("error", msg),
		)
		return ClassifyStatus(c.channel, resp.StatusCode, fmt.Errorf("graph api: %s", msg))
	}

	// A 2xx means the provider accepted the message. An unreadable reply is
	// logged, never reported as a failed send.
	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.Warn("provider accepted message with unreadable reply",
			zap.String("channel", c.channel),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(err),
		)
	}
	return nil
}
