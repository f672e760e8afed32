package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ComplianceRepository holds the per-lead and per-tenant state the compliance
// engine reads: conversation windows, engagement triggers, messaging tiers
// and the template registry.
type ComplianceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewComplianceRepository creates a new compliance state repository
func NewComplianceRepository(db *DB, logger *zap.Logger) *ComplianceRepository {
	return &ComplianceRepository{db: db, logger: logger}
}

// GetConversationWindow returns the window for (tenant, lead, channel). A lead
// that never wrote in gets a window with a nil LastInboundAt.
func (r *ComplianceRepository) GetConversationWindow(ctx context.Context, tenantID, leadID uuid.UUID, channel string) (*ConversationWindow, error) {
	query := `
		SELECT last_inbound_at FROM conversation_windows
		WHERE tenant_id = $1 AND lead_id = $2 AND channel = $3
	`

	win := &ConversationWindow{TenantID: tenantID, LeadID: leadID, Channel: channel}
	err := r.db.Pool().QueryRow(ctx, query, tenantID, leadID, channel).Scan(&win.LastInboundAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return win, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation window: %w", err)
	}
	return win, nil
}

// TouchConversationWindow records an inbound message. last_inbound_at never
// moves backwards, so out-of-order deliveries are harmless.
func (r *ComplianceRepository) TouchConversationWindow(ctx context.Context, tenantID, leadID uuid.UUID, channel string, at time.Time) error {
	query := `
		INSERT INTO conversation_windows (tenant_id, lead_id, channel, last_inbound_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, lead_id, channel) DO UPDATE
		SET last_inbound_at = GREATEST(conversation_windows.last_inbound_at, EXCLUDED.last_inbound_at)
	`

	if _, err := r.db.Pool().Exec(ctx, query, tenantID, leadID, channel, at); err != nil {
		return fmt.Errorf("upsert conversation window: %w", err)
	}
	return nil
}

// LatestEngagementTrigger returns the most recent trigger of a lead, or nil.
func (r *ComplianceRepository) LatestEngagementTrigger(ctx context.Context, tenantID, leadID uuid.UUID) (*EngagementTrigger, error) {
	query := `
		SELECT tenant_id, lead_id, type, occurred_at
		FROM engagement_triggers
		WHERE tenant_id = $1 AND lead_id = $2
		ORDER BY occurred_at DESC
		LIMIT 1
	`

	var trig EngagementTrigger
	err := r.db.Pool().QueryRow(ctx, query, tenantID, leadID).Scan(
		&trig.TenantID, &trig.LeadID, &trig.Type, &trig.OccurredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query engagement trigger: %w", err)
	}
	return &trig, nil
}

// RecordEngagementTrigger stores a qualifying Instagram action.
func (r *ComplianceRepository) RecordEngagementTrigger(ctx context.Context, trig *EngagementTrigger) error {
	query := `
		INSERT INTO engagement_triggers (tenant_id, lead_id, type, occurred_at)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := r.db.Pool().Exec(ctx, query, trig.TenantID, trig.LeadID, trig.Type, trig.OccurredAt); err != nil {
		return fmt.Errorf("insert engagement trigger: %w", err)
	}
	return nil
}

// GetMessagingTier returns the WhatsApp tier of a tenant.
func (r *ComplianceRepository) GetMessagingTier(ctx context.Context, tenantID uuid.UUID) (*MessagingTier, error) {
	query := `
		SELECT tenant_id, tier_level, quality_score, verified, updated_at
		FROM messaging_tiers
		WHERE tenant_id = $1
	`

	var tier MessagingTier
	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&tier.TenantID, &tier.TierLevel, &tier.QualityScore, &tier.Verified, &tier.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("messaging tier %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query messaging tier: %w", err)
	}
	return &tier, nil
}

// SaveMessagingTier upserts the tier level and quality score of a tenant.
func (r *ComplianceRepository) SaveMessagingTier(ctx context.Context, tier *MessagingTier) error {
	query := `
		INSERT INTO messaging_tiers (tenant_id, tier_level, quality_score, verified, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET tier_level = EXCLUDED.tier_level,
		    quality_score = EXCLUDED.quality_score,
		    updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		tier.TenantID, tier.TierLevel, tier.QualityScore, tier.Verified,
	).Scan(&tier.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert messaging tier: %w", err)
	}
	return nil
}

// GetTemplate looks up a registered template by name.
func (r *ComplianceRepository) GetTemplate(ctx context.Context, tenantID uuid.UUID, name string) (*Template, error) {
	query := `
		SELECT tenant_id, name, category, status
		FROM message_templates
		WHERE tenant_id = $1 AND name = $2
	`

	var tpl Template
	err := r.db.Pool().QueryRow(ctx, query, tenantID, name).Scan(
		&tpl.TenantID, &tpl.Name, &tpl.Category, &tpl.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &tpl, nil
}
