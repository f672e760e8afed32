package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/compliance"
	"github.com/lalithlochan/courier/internal/sns"
)

func testChange() compliance.TierChange {
	return compliance.TierChange{
		TenantID:     uuid.New(),
		From:         2,
		To:           1,
		QualityScore: 2.1,
		MinQuality:   3.0,
		Downgraded:   true,
		At:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type fakePublisher struct {
	events []sns.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev sns.Event) (string, error) {
	f.events = append(f.events, ev)
	return "msg-1", nil
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type failing struct{ calls int }

func (f *failing) NotifyTierDowngrade(context.Context, compliance.TierChange) error {
	f.calls++
	return errors.New("unreachable")
}

func TestTopic_PublishesTierEvent(t *testing.T) {
	pub := &fakePublisher{}
	c := testChange()
	if err := NewTopic(pub, zap.NewNop()).NotifyTierDowngrade(context.Background(), c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.EventType != "tier.downgraded" || ev.TenantID != c.TenantID.String() {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Data["to_tier"] != 1 {
		t.Errorf("to_tier = %v", ev.Data["to_tier"])
	}
}

func TestEmail_SendsToOperators(t *testing.T) {
	client := &fakeSES{}
	n := NewEmail(client, "courier@example.com", []string{"ops@example.com"}, zap.NewNop())
	if err := n.NotifyTierDowngrade(context.Background(), testChange()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(client.input.Source) != "courier@example.com" {
		t.Errorf("source = %q", aws.ToString(client.input.Source))
	}
	if got := client.input.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@example.com" {
		t.Errorf("to = %v", got)
	}
	text := aws.ToString(client.input.Message.Body.Text.Data)
	if !strings.Contains(text, "from 2 to 1") {
		t.Errorf("body missing tier change: %q", text)
	}
}

func TestEmail_NoRecipientsIsNoop(t *testing.T) {
	client := &fakeSES{}
	if err := NewEmail(client, "a@b", nil, zap.NewNop()).NotifyTierDowngrade(context.Background(), testChange()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.input != nil {
		t.Error("no email expected without recipients")
	}
}

func TestMulti_RunsAllAndJoinsErrors(t *testing.T) {
	bad := &failing{}
	pub := &fakePublisher{}
	m := NewMulti(bad, NewTopic(pub, zap.NewNop()), NewLog(zap.NewNop()))

	err := m.NotifyTierDowngrade(context.Background(), testChange())
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if bad.calls != 1 || len(pub.events) != 1 {
		t.Error("every notifier should run despite an earlier failure")
	}
}
