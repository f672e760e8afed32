// Package sns publishes courier domain events to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Config selects the topic. Endpoint overrides the AWS endpoint (LocalStack).
type Config struct {
	Region   string
	TopicARN string
	Endpoint string
}

// API is the part of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing with event-type routing attributes.
type Publisher struct {
	client   API
	topicARN string
}

// Event is one message on the topic. Subscribers filter on EventType and
// TenantID, which are also sent as message attributes.
type Event struct {
	EventType string         `json:"event_type"`
	TenantID  string         `json:"tenant_id"`
	Subject   string         `json:"subject,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewPublisher creates an SNS publisher for the configured topic.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewPublisherWithClient(client, cfg.TopicARN), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

// Publish sends ev to the topic and returns the SNS message id.
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.EventType),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.TenantID),
			},
		},
	}
	if ev.Subject != "" {
		input.Subject = aws.String(ev.Subject)
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
