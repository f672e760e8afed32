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

// LeadRepository reads leads and writes their agent assignment.
type LeadRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLeadRepository creates a new lead repository
func NewLeadRepository(db *DB, logger *zap.Logger) *LeadRepository {
	return &LeadRepository{db: db, logger: logger}
}

// GetLead retrieves a lead scoped to its tenant.
func (r *LeadRepository) GetLead(ctx context.Context, tenantID, leadID uuid.UUID) (*Lead, error) {
	query := `
		SELECT
			id, tenant_id, phone, instagram_user_id, facebook_psid,
			assigned_to, assigned_at, subscription_opt_in,
			created_at, updated_at
		FROM leads
		WHERE tenant_id = $1 AND id = $2
	`

	var lead Lead
	err := r.db.Pool().QueryRow(ctx, query, tenantID, leadID).Scan(
		&lead.ID,
		&lead.TenantID,
		&lead.Phone,
		&lead.InstagramUserID,
		&lead.FacebookPSID,
		&lead.AssignedTo,
		&lead.AssignedAt,
		&lead.SubscriptionOptIn,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query lead: %w", err)
	}
	return &lead, nil
}

// AssignLead sets assigned_to only when the lead is still unassigned.
// Reports false when another assignment already won.
func (r *LeadRepository) AssignLead(ctx context.Context, tenantID, leadID, agentID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE leads
		SET assigned_to = $1, assigned_at = $2, updated_at = NOW()
		WHERE tenant_id = $3 AND id = $4 AND assigned_to IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, agentID, at, tenantID, leadID)
	if err != nil {
		r.logger.Error("failed to assign lead",
			zap.Error(err),
			zap.String("lead_id", leadID.String()),
		)
		return false, fmt.Errorf("assign lead: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
