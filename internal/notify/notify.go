// Package notify tells tenants and operators about messaging tier changes.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/compliance"
	"github.com/lalithlochan/courier/internal/sns"
)

const eventTierDowngraded = "tier.downgraded"

func subject(c compliance.TierChange) string {
	return fmt.Sprintf("WhatsApp messaging tier lowered to %d", c.To)
}

func body(c compliance.TierChange) string {
	return fmt.Sprintf(
		"Tenant %s reported quality %.2f, below the %.2f required for tier %d.\n"+
			"The messaging tier was lowered from %d to %d at %s.\n",
		c.TenantID, c.QualityScore, c.MinQuality, c.From, c.From, c.To, c.At.UTC().Format("2006-01-02 15:04:05 MST"),
	)
}

// Publisher is the SNS topic publisher.
type Publisher interface {
	Publish(ctx context.Context, ev sns.Event) (string, error)
}

// Topic publishes tier changes as SNS events.
type Topic struct {
	publisher Publisher
	logger    *zap.Logger
}

func NewTopic(publisher Publisher, logger *zap.Logger) *Topic {
	return &Topic{publisher: publisher, logger: logger}
}

func (t *Topic) NotifyTierDowngrade(ctx context.Context, c compliance.TierChange) error {
	id, err := t.publisher.Publish(ctx, sns.Event{
		EventType: eventTierDowngraded,
		TenantID:  c.TenantID.String(),
		Subject:   subject(c),
		Data: map[string]any{
			"from_tier":     c.From,
			"to_tier":       c.To,
			"quality_score": c.QualityScore,
			"min_quality":   c.MinQuality,
			"at":            c.At.UTC(),
		},
	})
	if err != nil {
		return err
	}
	t.logger.Info("tier downgrade published",
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("message_id", id),
	)
	return nil
}

// EmailAPI is the part of the SES client the email notifier uses.
type EmailAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// NewSESClient builds an SES client. endpoint overrides the AWS endpoint,
// e.g. for LocalStack.
func NewSESClient(ctx context.Context, region, endpoint string) (*ses.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Email sends tier changes to a fixed list of operator addresses via SES.
type Email struct {
	client EmailAPI
	from   string
	to     []string
	logger *zap.Logger
}

func NewEmail(client EmailAPI, from string, to []string, logger *zap.Logger) *Email {
	return &Email{client: client, from: from, to: to, logger: logger}
}

func (e *Email) NotifyTierDowngrade(ctx context.Context, c compliance.TierChange) error {
	if len(e.to) == 0 {
		return nil
	}
	input := &ses.SendEmailInput{
		Source:      aws.String(e.from),
		Destination: &types.Destination{ToAddresses: e.to},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject(c)),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body(c)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := e.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}
	e.logger.Info("tier downgrade email sent",
		zap.String("tenant_id", c.TenantID.String()),
		zap.Strings("to", e.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Log writes tier changes to the log only. Used when no AWS target is set.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) NotifyTierDowngrade(_ context.Context, c compliance.TierChange) error {
	l.logger.Info("tier downgrade notification (development mode)",
		zap.String("tenant_id", c.TenantID.String()),
		zap.Int("from_tier", c.From),
		zap.Int("to_tier", c.To),
	)
	return nil
}

// Multi fans a change out to every notifier. One failing notifier does not
// keep the others from running.
type Multi struct {
	notifiers []compliance.Notifier
}

func NewMulti(notifiers ...compliance.Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) NotifyTierDowngrade(ctx context.Context, c compliance.TierChange) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.NotifyTierDowngrade(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
