// Package ingest applies inbound channel activity to the state the
// compliance engine reads: conversation windows and Instagram engagement
// triggers. It is the only writer of both.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/sqs"
)

// Inbound event kinds.
const (
	KindMessage    = "message"
	KindComment    = "comment"
	KindStoryReply = "story_reply"
	KindDM         = "dm"
)

// ErrInvalidEvent is returned for events that can never be applied.
var ErrInvalidEvent = errors.New("invalid inbound event")

// InboundEvent is one customer action reported by a channel webhook.
type InboundEvent struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	LeadID     uuid.UUID `json:"lead_id"`
	Channel    string    `json:"channel"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Store interface {
	TouchConversationWindow(ctx context.Context, tenantID, leadID uuid.UUID, channel string, at time.Time) error
	RecordEngagementTrigger(ctx context.Context, trig *db.EngagementTrigger) error
}

type Ingester struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Ingester {
	return &Ingester{store: store, logger: logger, now: time.Now}
}

func validate(ev InboundEvent) error {
	if ev.TenantID == uuid.Nil || ev.LeadID == uuid.Nil {
		return fmt.Errorf("%w: tenant_id and lead_id are required", ErrInvalidEvent)
	}
	switch ev.Channel {
	case db.ChannelWhatsApp, db.ChannelFacebook:
		if ev.Kind != KindMessage {
			return fmt.Errorf("%w: kind %q is not valid on %s", ErrInvalidEvent, ev.Kind, ev.Channel)
		}
	case db.ChannelInstagram:
		switch ev.Kind {
		case KindMessage, KindComment, KindStoryReply, KindDM:
		default:
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidEvent, ev.Channel)
	}
	return nil
}

// opensWindow reports whether the event is a customer-initiated message.
func opensWindow(ev InboundEvent) bool {
	return ev.Kind == KindMessage || ev.Kind == KindDM
}

// triggersEngagement reports whether the event authorizes an Instagram DM.
func triggersEngagement(ev InboundEvent) bool {
	if ev.Channel != db.ChannelInstagram {
		return false
	}
	return ev.Kind == KindComment || ev.Kind == KindStoryReply || ev.Kind == KindDM
}

// Handle applies one event. Timestamps in the future are clamped to now so a
// skewed sender cannot stretch a window.
func (i *Ingester) Handle(ctx context.Context, ev InboundEvent) error {
	if err := validate(ev); err != nil {
		return err
	}
	now := i.now()
	at := ev.OccurredAt
	if at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC()

	if opensWindow(ev) {
		if err := i.store.TouchConversationWindow(ctx, ev.TenantID, ev.LeadID, ev.Channel, at); err != nil {
			return err
		}
	}
	if triggersEngagement(ev) {
		err := i.store.RecordEngagementTrigger(ctx, &db.EngagementTrigger{
			TenantID:   ev.TenantID,
			LeadID:     ev.LeadID,
			Type:       ev.Kind,
			OccurredAt: at,
		})
		if err != nil {
			return err
		}
	}

	metrics.RecordInbound(ev.Channel, ev.Kind)
	i.logger.Debug("inbound event applied",
		zap.String("tenant_id", ev.TenantID.String()),
		zap.String("lead_id", ev.LeadID.String()),
		zap.String("channel", ev.Channel),
		zap.String("kind", ev.Kind),
	)
	return nil
}

// HandleMessage decodes an SQS body and applies it. Undecodable or invalid
// events are reported as sqs.ErrMalformed.
func (i *Ingester) HandleMessage(ctx context.Context, body []byte) error {
	var ev InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", sqs.ErrMalformed, err)
	}
	err := i.Handle(ctx, ev)
	if errors.Is(err, ErrInvalidEvent) {
		return fmt.Errorf("%w: %v", sqs.ErrMalformed, err)
	}
	return err
}
