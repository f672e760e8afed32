package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type fakeClient struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeClient) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestPublish_SetsAttributesAndBody(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisherWithClient(client, "arn:aws:sns:us-east-1:123:courier")

	id, err := p.Publish(context.Background(), Event{
		EventType: "tier.downgraded",
		TenantID:  "tenant-456",
		Subject:   "Tier downgraded",
		Data:      map[string]any{"from_tier": 2, "to_tier": 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("message id = %q", id)
	}

	in := client.input
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:courier" {
		t.Errorf("topic = %q", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["event_type"].StringValue); got != "tier.downgraded" {
		t.Errorf("event_type attribute = %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["tenant_id"].StringValue); got != "tenant-456" {
		t.Errorf("tenant_id attribute = %q", got)
	}
	if aws.ToString(in.Subject) != "Tier downgraded" {
		t.Errorf("subject = %q", aws.ToString(in.Subject))
	}

	var decoded Event
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if decoded.EventType != "tier.downgraded" || decoded.Data["to_tier"] != float64(1) {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestPublish_OmitsEmptySubject(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisherWithClient(client, "arn")
	if _, err := p.Publish(context.Background(), Event{EventType: "x", TenantID: "t"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.input.Subject != nil {
		t.Error("empty subject should not be sent")
	}
}

func TestPublish_WrapsClientError(t *testing.T) {
	cause := errors.New("throttled")
	p := NewPublisherWithClient(&fakeClient{err: cause}, "arn")
	if _, err := p.Publish(context.Background(), Event{EventType: "x"}); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}
