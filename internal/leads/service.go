// Package leads owns lead ownership: which agent a lead is assigned to.
package leads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

var (
	// ErrAlreadyAssigned is returned when the lead already has an agent.
	ErrAlreadyAssigned = errors.New("lead already assigned")

	// ErrLeadNotFound is returned for unknown leads.
	ErrLeadNotFound = errors.New("lead not found")
)

// Repository is the lead storage used by the service.
type Repository interface {
	GetLead(ctx context.Context, tenantID, leadID uuid.UUID) (*db.Lead, error)
	AssignLead(ctx context.Context, tenantID, leadID, agentID uuid.UUID, at time.Time) (bool, error)
}

// Locker serializes work on one lead across workers.
type Locker interface {
	WithExclusiveRetrying(ctx context.Context, key string, ttl, maxWait, pollInterval time.Duration, fn func(ctx context.Context) error) error
}

// Auditor records state changes without blocking.
type Auditor interface {
	Append(tenantID uuid.UUID, actorID, eventType, resourceID string, metadata map[string]any)
}

// Config tunes lock usage.
type Config struct {
	LockTTL      time.Duration
	LockWait     time.Duration
	PollInterval time.Duration
}

// Service assigns leads to agents.
type Service struct {
	repo   Repository
	locks  Locker
	audit  Auditor
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a lead service.
func NewService(repo Repository, locks Locker, auditor Auditor, cfg Config, logger *zap.Logger) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Service{
		repo:   repo,
		locks:  locks,
		audit:  auditor,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// AssignLeadToAgent gives an unassigned lead to agentID. Concurrent calls
// on one lead are serialized; all but the first fail with ErrAlreadyAssigned.
func (s *Service) AssignLeadToAgent(ctx context.Context, tenantID, leadID, agentID uuid.UUID) (*db.Lead, error) {
	var assigned *db.Lead

	err := s.locks.WithExclusiveRetrying(ctx, "lead:"+leadID.String(), s.config.LockTTL, s.config.LockWait, s.config.PollInterval, func(ctx context.Context) error {
		lead, err := s.repo.GetLead(ctx, tenantID, leadID)
		if errors.Is(err, db.ErrNotFound) {
			return ErrLeadNotFound
		}
		if err != nil {
			return err
		}
		if lead.AssignedTo != nil {
			return fmt.Errorf("%w to %s", ErrAlreadyAssigned, lead.AssignedTo)
		}

		at := s.now().UTC()
		ok, err := s.repo.AssignLead(ctx, tenantID, leadID, agentID, at)
		if err != nil {
			return err
		}
		if !ok {
			// Someone bypassed the lock; the store guard caught it.
			return ErrAlreadyAssigned
		}

		lead.AssignedTo = &agentID
		lead.AssignedAt = &at
		assigned = lead
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("lead assigned",
		zap.String("tenant_id", tenantID.String()),
		zap.String("lead_id", leadID.String()),
		zap.String("agent_id", agentID.String()),
	)
	if s.audit != nil {
		s.audit.Append(tenantID, agentID.String(), "lead.assigned", "lead:"+leadID.String(), map[string]any{
			"agent_id": agentID.String(),
		})
	}
	return assigned, nil
}
