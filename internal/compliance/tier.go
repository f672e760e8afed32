package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

// ErrInvalidQualityScore is returned for scores outside 0.0 to 5.0.
var ErrInvalidQualityScore = errors.New("quality score must be between 0 and 5")

const (
	tierLockTTL  = 10 * time.Second
	tierLockWait = 5 * time.Second
	tierLockPoll = 50 * time.Millisecond
)

// TierChange is the outcome of a quality report.
type TierChange struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	From         int       `json:"from_tier"`
	To           int       `json:"to_tier"`
	QualityScore float64   `json:"quality_score"`
	MinQuality   float64   `json:"min_quality"`
	Downgraded   bool      `json:"downgraded"`
	At           time.Time `json:"at"`
}

// ReportQualityScore stores the provider quality score of a tenant and
// downgrades its tier by exactly one level when the score is below the
// current tier's minimum. Tier 0 is never downgraded further.
func (e *Engine) ReportQualityScore(ctx context.Context, tenantID uuid.UUID, score float64) (TierChange, error) {
	if score < 0 || score > 5 {
		return TierChange{}, fmt.Errorf("%w: got %.2f", ErrInvalidQualityScore, score)
	}

	var change TierChange
	err := e.locks.WithExclusiveRetrying(ctx, "tier:"+tenantID.String(), tierLockTTL, tierLockWait, tierLockPoll, func(ctx context.Context) error {
		tier, err := e.currentTier(ctx, tenantID)
		if err != nil {
			return err
		}

		cfg := e.policy.tier(tier.TierLevel)
		change = TierChange{
			TenantID:     tenantID,
			From:         tier.TierLevel,
			To:           tier.TierLevel,
			QualityScore: score,
			MinQuality:   cfg.MinQuality,
			At:           e.now(),
		}
		if score < cfg.MinQuality && tier.TierLevel > 0 {
			change.To = tier.TierLevel - 1
			change.Downgraded = true
		}

		tier.TierLevel = change.To
		tier.QualityScore = score
		if err := e.store.SaveMessagingTier(ctx, tier); err != nil {
			return fmt.Errorf("save messaging tier: %w", err)
		}
		return nil
	})
	if err != nil {
		return TierChange{}, err
	}

	if change.Downgraded {
		e.onDowngrade(ctx, change)
	}
	return change, nil
}

func (e *Engine) onDowngrade(ctx context.Context, change TierChange) {
	metrics.RecordTierDowngrade(change.From)

	e.logger.Warn("messaging tier downgraded",
		zap.String("tenant_id", change.TenantID.String()),
		zap.Int("from_tier", change.From),
		zap.Int("to_tier", change.To),
		zap.Float64("quality_score", change.QualityScore),
	)

	if e.audit != nil {
		e.audit.Append(change.TenantID, "system", "tier.downgraded", "tier:"+change.TenantID.String(), map[string]any{
			"from_tier":     change.From,
			"to_tier":       change.To,
			"quality_score": change.QualityScore,
			"min_quality":   change.MinQuality,
		})
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyTierDowngrade(ctx, change); err != nil {
			e.logger.Error("tier downgrade notification failed",
				zap.String("tenant_id", change.TenantID.String()),
				zap.Error(err),
			)
		}
	}
}
