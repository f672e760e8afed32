package sqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// ErrMalformed marks a message that can never be handled. The consumer
// deletes it instead of letting it be redelivered.
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body. Returning nil or an ErrMalformed error
// deletes the message; any other error leaves it for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Consumer long-polls a queue and hands each message to a Handler.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger

	maxMessages int32
	waitSeconds int32
	visibility  int32
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized", zap.String("queue_url", queueURL))
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		logger:      logger,
		maxMessages: 10,
		waitSeconds: 20,
		visibility:  60,
	}
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context, h Handler) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}
		if _, err := c.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll receives one batch and returns how many messages were deleted.
func (c *Consumer) Poll(ctx context.Context, h Handler) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibility,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	deleted := 0
	for _, msg := range result.Messages {
		err := h(ctx, []byte(aws.ToString(msg.Body)))
		switch {
		case err == nil:
		case errors.Is(err, ErrMalformed):
			c.logger.Warn("dropping malformed message",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
		default:
			c.logger.Warn("message handling failed, leaving for redelivery",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
			continue
		}

		if err := c.delete(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
			c.logger.Error("failed to delete message", zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
