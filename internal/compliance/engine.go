// Package compliance decides whether a message may be sent to a lead right
// now, and in what form, under each provider's messaging policy.
//
// Evaluation is read-only. Callers record the rate budget consumption of a
// send with RecordSend once the provider has accepted it.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/window"
)

// Store is the lead and tenant state the engine reads.
type Store interface {
	GetConversationWindow(ctx context.Context, tenantID, leadID uuid.UUID, channel string) (*db.ConversationWindow, error)
	LatestEngagementTrigger(ctx context.Context, tenantID, leadID uuid.UUID) (*db.EngagementTrigger, error)
	GetMessagingTier(ctx context.Context, tenantID uuid.UUID) (*db.MessagingTier, error)
	SaveMessagingTier(ctx context.Context, tier *db.MessagingTier) error
	GetTemplate(ctx context.Context, tenantID uuid.UUID, name string) (*db.Template, error)
}

// Locker serializes tier updates across workers.
type Locker interface {
	WithExclusiveRetrying(ctx context.Context, key string, ttl, maxWait, pollInterval time.Duration, fn func(ctx context.Context) error) error
}

// Notifier is told about tier downgrades.
type Notifier interface {
	NotifyTierDowngrade(ctx context.Context, change TierChange) error
}

// Auditor records state changes without blocking.
type Auditor interface {
	Append(tenantID uuid.UUID, actorID, eventType, resourceID string, metadata map[string]any)
}

// SendIntent is what the caller wants to send.
type SendIntent struct {
	Kind         string `json:"kind"`
	TemplateName string `json:"template_name,omitempty"`
}

// Engine evaluates sends against Policy.
type Engine struct {
	store    Store
	counter  window.Counter
	locks    Locker
	notifier Notifier
	audit    Auditor
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a compliance engine. notifier and auditor may be nil.
func NewEngine(store Store, counter window.Counter, locks Locker, notifier Notifier, auditor Auditor, policy Policy, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		counter:  counter,
		locks:    locks,
		notifier: notifier,
		audit:    auditor,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// Evaluate decides whether intent may be sent to lead on channel now.
// A denial is a normal Decision; the error is reserved for state lookups
// that failed.
func (e *Engine) Evaluate(ctx context.Context, channel string, lead *db.Lead, intent SendIntent) (Decision, error) {
	now := e.now()

	var (
		d   Decision
		err error
	)
	switch channel {
	case db.ChannelWhatsApp:
		d, err = e.evaluateWhatsApp(ctx, lead, intent, now)
	case db.ChannelInstagram:
		d, err = e.evaluateInstagram(ctx, lead, intent, now)
	case db.ChannelFacebook:
		d, err = e.evaluateFacebook(ctx, lead, intent, now)
	default:
		d = deny(channel, intent.Kind, ReasonUnsupported, fmt.Sprintf("channel %q is not supported", channel))
	}
	if err != nil {
		return Decision{}, err
	}

	metrics.RecordDecision(channel, intent.Kind, d.Allowed, string(d.Reason))
	if !d.Allowed {
		e.logger.Debug("send denied",
			zap.String("tenant_id", lead.TenantID.String()),
			zap.String("lead_id", lead.ID.String()),
			zap.String("channel", channel),
			zap.String("intent", intent.Kind),
			zap.String("reason", string(d.Reason)),
		)
	}
	return d, nil
}

// RecordSend appends the rate budget events consumed by a send that was
// allowed by d and accepted by the provider at at.
func (e *Engine) RecordSend(ctx context.Context, d Decision, at time.Time) error {
	if !d.Allowed {
		return nil
	}
	for _, c := range d.charges {
		if err := e.counter.Record(ctx, c.key, at, c.window); err != nil {
			return fmt.Errorf("record send on %s: %w", c.key, err)
		}
	}
	return nil
}

func (e *Engine) evaluateWhatsApp(ctx context.Context, lead *db.Lead, intent SendIntent, now time.Time) (Decision, error) {
	switch intent.Kind {
	case db.IntentFreeform:
		return e.sessionWindow(ctx, db.ChannelWhatsApp, lead, intent, now)
	case db.IntentTemplate:
		return e.whatsAppTemplate(ctx, lead, intent, now)
	default:
		return deny(db.ChannelWhatsApp, intent.Kind, ReasonUnsupported,
			fmt.Sprintf("intent %q is not available on whatsapp", intent.Kind)), nil
	}
}

func (e *Engine) evaluateFacebook(ctx context.Context, lead *db.Lead, intent SendIntent, now time.Time) (Decision, error) {
	switch intent.Kind {
	case db.IntentFreeform:
		return e.sessionWindow(ctx, db.ChannelFacebook, lead, intent, now)
	case db.IntentSubscription:
		return e.facebookSubscription(ctx, lead, intent, now)
	default:
		return deny(db.ChannelFacebook, intent.Kind, ReasonUnsupported,
			fmt.Sprintf("intent %q is not available on facebook", intent.Kind)), nil
	}
}

// sessionWindow allows a freeform reply while the 24h customer service window is open.
func (e *Engine) sessionWindow(ctx context.Context, channel string, lead *db.Lead, intent SendIntent, now time.Time) (Decision, error) {
	win, err := e.store.GetConversationWindow(ctx, lead.TenantID, lead.ID, channel)
	if err != nil {
		return Decision{}, fmt.Errorf("load conversation window: %w", err)
	}

	if win == nil || win.LastInboundAt == nil {
		d := deny(channel, intent.Kind, ReasonNoSession, "customer has never messaged on this channel")
		d.RequiresTemplate = true
		d.Remediation = RemediationUseTemplate
		return d, nil
	}

	elapsed := now.Sub(*win.LastInboundAt)
	if elapsed < e.policy.SessionWindow {
		return allow(channel, intent.Kind), nil
	}

	d := deny(channel, intent.Kind, ReasonSessionExpired,
		fmt.Sprintf("conversation window closed %.1f hours ago", (elapsed - e.policy.SessionWindow).Hours()))
	d.RequiresTemplate = true
	d.HoursExpired = (elapsed - e.policy.SessionWindow).Hours()
	d.WindowClosedAt = ptr(win.LastInboundAt.Add(e.policy.SessionWindow))
	d.Remediation = RemediationUseTemplate
	return d, nil
}

func (e *Engine) whatsAppTemplate(ctx context.Context, lead *db.Lead, intent SendIntent, now time.Time) (Decision, error) {
	const channel = db.ChannelWhatsApp

	if intent.TemplateName == "" {
		d := deny(channel, intent.Kind, ReasonTemplateRequired, "template sends need a template name")
		d.Remediation = RemediationApproveTemplate
		return d, nil
	}

	tpl, err := e.store.GetTemplate(ctx, lead.TenantID, intent.TemplateName)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return Decision{}, fmt.Errorf("load template: %w", err)
	}
	if tpl == nil || tpl.Status != db.TemplateStatusApproved {
		d := deny(channel, intent.Kind, ReasonTemplateNotApproved,
			fmt.Sprintf("template %q is not approved for this tenant", intent.TemplateName))
		d.Remediation = RemediationApproveTemplate
		return d, nil
	}

	tier, err := e.currentTier(ctx, lead.TenantID)
	if err != nil {
		return Decision{}, err
	}
	cfg := e.policy.tier(tier.TierLevel)

	if tier.TierLevel > 0 && !tier.Verified {
		d := deny(channel, intent.Kind, ReasonUnverified,
			fmt.Sprintf("tier %d requires a verified business account", tier.TierLevel))
		d.Tier = ptr(tier.TierLevel)
		d.Remediation = RemediationVerify
		return d, nil
	}

	if tier.QualityScore < cfg.MinQuality {
		d := deny(channel, intent.Kind, ReasonQualityTooLow,
			fmt.Sprintf("quality score %.2f is below %.2f required for tier %d", tier.QualityScore, cfg.MinQuality, tier.TierLevel))
		d.Tier = ptr(tier.TierLevel)
		d.Remediation = RemediationImproveQuality
		return d, nil
	}

	tierCharge := charge{key: tierKey(lead.TenantID), window: e.policy.TierWindow}
	usage, err := e.counter.Usage(ctx, tierCharge.key, cfg.DailyLimit, tierCharge.window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("count tier conversations: %w", err)
	}
	if usage.Exhausted() {
		d := deny(channel, intent.Kind, ReasonTierLimit,
			fmt.Sprintf("tier %d allows %d business-initiated conversations per 24h", tier.TierLevel, cfg.DailyLimit))
		d.Tier = ptr(tier.TierLevel)
		d.Limit = cfg.DailyLimit
		d.Current = usage.Count
		d.NextAllowedAt = ptr(usage.ClearsAt)
		d.Remediation = RemediationWait
		return d, nil
	}

	charges := []charge{tierCharge}

	if tpl.Category == db.TemplateCategoryMarketing {
		mk := charge{key: marketingKey(lead.TenantID, lead.ID), window: e.policy.MarketingWindow}
		usage, err := e.counter.Usage(ctx, mk.key, e.policy.MarketingPerLead, mk.window, now)
		if err != nil {
			return Decision{}, fmt.Errorf("count marketing sends: %w", err)
		}
		if usage.Exhausted() {
			d := deny(channel, intent.Kind, ReasonMarketingLimit,
				fmt.Sprintf("lead already received %d marketing templates in the last 24h", usage.Count))
			d.Limit = e.policy.MarketingPerLead
			d.Current = usage.Count
			d.NextAllowedAt = ptr(usage.ClearsAt)
			d.Remediation = RemediationWait
			return d, nil
		}
		charges = append(charges, mk)
	}

	d := allow(channel, intent.Kind, charges...)
	d.Tier = ptr(tier.TierLevel)
	return d, nil
}

func (e *Engine) evaluateInstagram(ctx context.Context, lead *db.Lead, intent SendIntent, now time.Time) (Decision, error) {
	const channel = db.ChannelInstagram

	if intent.Kind != db.IntentEngagementDM && intent.Kind != db.IntentFreeform {
		return deny(channel, intent.Kind, ReasonUnsupported,
			fmt.Sprintf("intent %q is not available on instagram", intent.Kind)), nil
	}

	trig, err := e.store.LatestEngagementTrigger(ctx, lead.TenantID, lead.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load engagement trigger: %w", err)
	}
	if trig == nil {
		d := deny(channel, intent.Kind, ReasonNoEngagement, "lead has not engaged with the account")
		d.RequiresEngagement = true
		d.Remediation = RemediationAwaitEngagement
		return d, nil
	}
	if now.Sub(trig.OccurredAt) >= e.policy.EngagementValidity {
		d := deny(channel, intent.Kind, ReasonEngagementExpired,
			fmt.Sprintf("last %s engagement is older than %s", trig.Type, e.policy.EngagementValidity))
		d.RequiresEngagement = true
		d.Remediation = RemediationAwaitEngagement
		return d, nil
	}

	dm := charge{key: instagramKey(lead.TenantID), window: e.policy.InstagramDMWindow}
	usage, err := e.counter.Usage(ctx, dm.key, e.policy.InstagramDMLimit, dm.window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("count instagram dms: %w", err)
	}
	if usage.Exhausted() {
		d := deny(channel, intent.Kind, ReasonRateLimited,
			fmt.Sprintf("account sent %d DMs in the last %s", usage.Count, e.policy.InstagramDMWindow))
		d.Limit = e.policy.InstagramDMLimit
		d.Current = usage.Count
		d.NextAllowedAt = ptr(usage.ClearsAt)
		d.Remediation = RemediationWait
		return d, nil
	}

	return allow(channel, intent.Kind, dm), nil
}

func (e *Engine) facebookSubscription(ctx context.Context, lead *db.Lead, intent SendIntent, now time.Time) (Decision, error) {
	const channel = db.ChannelFacebook

	if !lead.SubscriptionOptIn {
		d := deny(channel, intent.Kind, ReasonNoOptIn, "lead has not opted in to subscription messages")
		d.Remediation = RemediationRequestOptIn
		return d, nil
	}

	sub := charge{key: subscriptionKey(lead.TenantID, lead.ID), window: e.policy.SubscriptionWindow}
	usage, err := e.counter.Usage(ctx, sub.key, e.policy.SubscriptionLimit, sub.window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("count subscription messages: %w", err)
	}
	if usage.Exhausted() {
		d := deny(channel, intent.Kind, ReasonSubscriptionLimit, "lead already received a subscription message in the last 24h")
		d.Limit = e.policy.SubscriptionLimit
		d.Current = usage.Count
		d.NextAllowedAt = ptr(usage.ClearsAt)
		d.Remediation = RemediationWait
		return d, nil
	}

	return allow(channel, intent.Kind, sub), nil
}

// currentTier loads the tenant's tier; tenants without a row start at tier 0.
func (e *Engine) currentTier(ctx context.Context, tenantID uuid.UUID) (*db.MessagingTier, error) {
	tier, err := e.store.GetMessagingTier(ctx, tenantID)
	if errors.Is(err, db.ErrNotFound) {
		return &db.MessagingTier{TenantID: tenantID, TierLevel: 0, QualityScore: 5.0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load messaging tier: %w", err)
	}
	return tier, nil
}

func tierKey(tenantID uuid.UUID) string {
	return "wa:tier:" + tenantID.String()
}

func marketingKey(tenantID, leadID uuid.UUID) string {
	return "wa:marketing:" + tenantID.String() + ":" + leadID.String()
}

func instagramKey(tenantID uuid.UUID) string {
	return "ig:dm:" + tenantID.String()
}

func subscriptionKey(tenantID, leadID uuid.UUID) string {
	return "fb:subscription:" + tenantID.String() + ":" + leadID.String()
}
