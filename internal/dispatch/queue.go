// Package dispatch is the durable queue of scheduled sends.
//
// Jobs move pending -> sent | failed | cancelled and never leave a terminal
// status. Workers take due jobs through a Claimer, which guarantees a job is
// held by at most one worker at a time.
package dispatch

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
	"github.com/lalithlochan/courier/internal/redis"
)

// ErrInvalidJob is returned by Enqueue for requests that can never be sent.
var ErrInvalidJob = errors.New("invalid job")

// Store is the durable job table.
type Store interface {
	CreateJob(ctx context.Context, job *db.ScheduledJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*db.ScheduledJob, error)
	ClaimDueJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*db.ScheduledJob, error)
	ListDueJobs(ctx context.Context, limit int) ([]*db.ScheduledJob, error)
	RenewClaim(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error
	CompleteJob(ctx context.Context, id uuid.UUID, workerID, status string, lastError, providerMessageID *string) error
	CancelJob(ctx context.Context, id uuid.UUID) error
}

// Deduper maps client idempotency keys to the job they first created.
type Deduper interface {
	Reserve(ctx context.Context, tenantID, key string) (*redis.IdempotencyResult, error)
	Commit(ctx context.Context, tenantID, key, jobID string, ttl time.Duration) error
	Forget(ctx context.Context, tenantID, key string) error
}

// EnqueueRequest describes a send to run at ScheduledAt.
type EnqueueRequest struct {
	TenantID       uuid.UUID     `json:"tenant_id"`
	LeadID         uuid.UUID     `json:"lead_id"`
	Channel        string        `json:"channel"`
	Intent         string        `json:"intent"`
	Payload        db.JobPayload `json:"payload"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// EnqueueResult identifies the job a request maps to.
type EnqueueResult struct {
	JobID     uuid.UUID `json:"job_id"`
	Duplicate bool      `json:"duplicate"`
}

// Queue accepts new jobs and hands due ones to workers.
type Queue struct {
	store   Store
	claimer Claimer
	dedup   Deduper
	logger  *zap.Logger
	now     func() time.Time
}

// NewQueue creates a queue. dedup may be nil, in which case idempotency keys
// are ignored.
func NewQueue(store Store, claimer Claimer, dedup Deduper, logger *zap.Logger) *Queue {
	return &Queue{
		store:   store,
		claimer: claimer,
		dedup:   dedup,
		logger:  logger,
		now:     time.Now,
	}
}

func validate(req EnqueueRequest) error {
	if req.TenantID == uuid.Nil || req.LeadID == uuid.Nil {
		return fmt.Errorf("%w: tenant_id and lead_id are required", ErrInvalidJob)
	}
	switch req.Channel {
	case db.ChannelWhatsApp, db.ChannelInstagram, db.ChannelFacebook:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidJob, req.Channel)
	}
	if req.Intent == "" {
		return fmt.Errorf("%w: intent is required", ErrInvalidJob)
	}
	return nil
}

// Enqueue stores a pending job and returns its id. A repeated idempotency key
// returns the job created the first time instead of a new one.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	tenant := req.TenantID.String()
	dedup := q.dedup != nil && req.IdempotencyKey != ""
	if dedup {
		prev, err := q.dedup.Reserve(ctx, tenant, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if prev != nil {
			id, err := uuid.Parse(prev.JobID)
			if err != nil {
				return nil, fmt.Errorf("stored idempotency result: %w", err)
			}
			metrics.RecordIdempotencyHit()
			return &EnqueueResult{JobID: id, Duplicate: true}, nil
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = q.now()
	}

	job := &db.ScheduledJob{
		ID:          uuid.New(),
		TenantID:    req.TenantID,
		LeadID:      req.LeadID,
		Channel:     req.Channel,
		Intent:      req.Intent,
		Payload:     payload,
		ScheduledAt: scheduledAt.UTC(),
		Status:      db.JobStatusPending,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		if dedup {
			if ferr := q.dedup.Forget(ctx, tenant, req.IdempotencyKey); ferr != nil {
				q.logger.Warn("failed to drop idempotency reservation", zap.Error(ferr))
			}
		}
		return nil, err
	}

	if dedup {
		if err := q.dedup.Commit(ctx, tenant, req.IdempotencyKey, job.ID.String(), redis.IdempotencyTTL); err != nil {
			// The reservation expires on its own; only the dedup window is lost.
			q.logger.Warn("failed to commit idempotency key",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}

	metrics.RecordJobEnqueued(job.Channel)
	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", tenant),
		zap.String("channel", job.Channel),
		zap.Time("scheduled_at", job.ScheduledAt),
	)
	return &EnqueueResult{JobID: job.ID}, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*db.ScheduledJob, error) {
	return q.store.GetJob(ctx, id)
}

// Cancel marks a pending job cancelled. Jobs held by a worker are not
// cancellable and return db.ErrJobNotCancellable.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	return q.claimer.Cancel(ctx, id)
}

// Claim takes up to limit due jobs for workerID.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]*db.ScheduledJob, error) {
	return q.claimer.Claim(ctx, workerID, limit)
}

// Renew confirms workerID still holds job and extends its claim. Callers must
// not send a job whose renewal fails with db.ErrJobNotClaimed.
func (q *Queue) Renew(ctx context.Context, job *db.ScheduledJob, workerID string) error {
	return q.claimer.Renew(ctx, job, workerID)
}

// Complete records the terminal outcome of a claimed job.
func (q *Queue) Complete(ctx context.Context, job *db.ScheduledJob, workerID string, out Outcome) error {
	return q.claimer.Complete(ctx, job, workerID, out)
}
