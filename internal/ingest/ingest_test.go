package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/sqs"
)

type touch struct {
	channel string
	at      time.Time
}

type mockStore struct {
	touches  []touch
	triggers []*db.EngagementTrigger
	err      error
}

func (m *mockStore) TouchConversationWindow(_ context.Context, _, _ uuid.UUID, channel string, at time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.touches = append(m.touches, touch{channel, at})
	return nil
}

func (m *mockStore) RecordEngagementTrigger(_ context.Context, trig *db.EngagementTrigger) error {
	if m.err != nil {
		return m.err
	}
	m.triggers = append(m.triggers, trig)
	return nil
}

func newIngester(store Store, now time.Time) *Ingester {
	i := New(store, zap.NewNop())
	i.now = func() time.Time { return now }
	return i
}

func TestHandle_Routing(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		channel     string
		kind        string
		wantTouch   bool
		wantTrigger bool
	}{
		{db.ChannelWhatsApp, KindMessage, true, false},
		{db.ChannelFacebook, KindMessage, true, false},
		{db.ChannelInstagram, KindMessage, true, false},
		{db.ChannelInstagram, KindDM, true, true},
		{db.ChannelInstagram, KindComment, false, true},
		{db.ChannelInstagram, KindStoryReply, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.channel+"/"+tt.kind, func(t *testing.T) {
			store := &mockStore{}
			err := newIngester(store, now).Handle(context.Background(), InboundEvent{
				TenantID:   uuid.New(),
				LeadID:     uuid.New(),
				Channel:    tt.channel,
				Kind:       tt.kind,
				OccurredAt: now.Add(-time.Minute),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(store.touches) == 1; got != tt.wantTouch {
				t.Errorf("window touched = %v, want %v", got, tt.wantTouch)
			}
			if got := len(store.triggers) == 1; got != tt.wantTrigger {
				t.Errorf("trigger recorded = %v, want %v", got, tt.wantTrigger)
			}
		})
	}
}

func TestHandle_ClampsFutureTimestamp(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &mockStore{}
	err := newIngester(store, now).Handle(context.Background(), InboundEvent{
		TenantID:   uuid.New(),
		LeadID:     uuid.New(),
		Channel:    db.ChannelWhatsApp,
		Kind:       KindMessage,
		OccurredAt: now.Add(6 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.touches[0].at.Equal(now) {
		t.Errorf("window at %v, want %v", store.touches[0].at, now)
	}
}

func TestHandle_RejectsInvalid(t *testing.T) {
	i := newIngester(&mockStore{}, time.Now())
	for _, ev := range []InboundEvent{
		{LeadID: uuid.New(), Channel: db.ChannelWhatsApp, Kind: KindMessage},
		{TenantID: uuid.New(), LeadID: uuid.New(), Channel: "sms", Kind: KindMessage},
		{TenantID: uuid.New(), LeadID: uuid.New(), Channel: db.ChannelWhatsApp, Kind: KindComment},
		{TenantID: uuid.New(), LeadID: uuid.New(), Channel: db.ChannelInstagram, Kind: "like"},
	} {
		if err := i.Handle(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("%+v: expected ErrInvalidEvent, got %v", ev, err)
		}
	}
}

func TestHandleMessage_ErrorClasses(t *testing.T) {
	store := &mockStore{}
	i := newIngester(store, time.Now())
	ctx := context.Background()

	if err := i.HandleMessage(ctx, []byte("{")); !errors.Is(err, sqs.ErrMalformed) {
		t.Errorf("bad json: expected ErrMalformed, got %v", err)
	}
	if err := i.HandleMessage(ctx, []byte(`{"channel":"whatsapp","kind":"message"}`)); !errors.Is(err, sqs.ErrMalformed) {
		t.Errorf("missing ids: expected ErrMalformed, got %v", err)
	}

	store.err = errors.New("connection reset")
	body := []byte(`{"tenant_id":"` + uuid.NewString() + `","lead_id":"` + uuid.NewString() + `","channel":"whatsapp","kind":"message"}`)
	err := i.HandleMessage(ctx, body)
	if err == nil || errors.Is(err, sqs.ErrMalformed) {
		t.Errorf("store failure must be retryable, got %v", err)
	}
}
