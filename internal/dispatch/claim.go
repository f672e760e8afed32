package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/lock"
)

// Outcome is the terminal result of one job.
type Outcome struct {
	Status            string
	LastError         string
	ProviderMessageID string
}

func (o Outcome) columns() (lastError, providerMessageID *string) {
	if o.LastError != "" {
		lastError = &o.LastError
	}
	if o.ProviderMessageID != "" {
		providerMessageID = &o.ProviderMessageID
	}
	return lastError, providerMessageID
}

// Claimer hands each due job to at most one worker at a time. A claim is
// time-bounded; Renew must succeed right before a job is sent, so a worker
// that fell behind its claim drops the job instead of sending it twice.
type Claimer interface {
	Claim(ctx context.Context, workerID string, limit int) ([]*db.ScheduledJob, error)
	Renew(ctx context.Context, job *db.ScheduledJob, workerID string) error
	Complete(ctx context.Context, job *db.ScheduledJob, workerID string, out Outcome) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// NativeClaimer leases jobs with the store's skip-locked claim. A lease that
// runs out makes the job claimable again, so a crashed worker strands nothing.
type NativeClaimer struct {
	store Store
	lease time.Duration
}

// NewNativeClaimer creates a claimer leasing jobs for lease.
func NewNativeClaimer(store Store, lease time.Duration) *NativeClaimer {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &NativeClaimer{store: store, lease: lease}
}

func (c *NativeClaimer) Claim(ctx context.Context, workerID string, limit int) ([]*db.ScheduledJob, error) {
	return c.store.ClaimDueJobs(ctx, workerID, limit, c.lease)
}

func (c *NativeClaimer) Renew(ctx context.Context, job *db.ScheduledJob, workerID string) error {
	return c.store.RenewClaim(ctx, job.ID, workerID, c.lease)
}

func (c *NativeClaimer) Complete(ctx context.Context, job *db.ScheduledJob, workerID string, out Outcome) error {
	lastError, providerID := out.columns()
	return c.store.CompleteJob(ctx, job.ID, workerID, out.Status, lastError, providerID)
}

func (c *NativeClaimer) Cancel(ctx context.Context, id uuid.UUID) error {
	return c.store.CancelJob(ctx, id)
}

// Locker is the subset of lock.Manager the lock-based claimer needs.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	WithExclusive(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// LockClaimer serializes jobs through per-job claims in the lock store. It
// serves stores that cannot claim and skip in one statement.
type LockClaimer struct {
	store  Store
	locks  Locker
	ttl    time.Duration
	logger *zap.Logger
}

// NewLockClaimer creates a claimer holding "dispatch:job:<id>" for ttl.
func NewLockClaimer(store Store, locks Locker, ttl time.Duration, logger *zap.Logger) *LockClaimer {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &LockClaimer{store: store, locks: locks, ttl: ttl, logger: logger}
}

func jobLockKey(id uuid.UUID) string {
	return "dispatch:job:" + id.String()
}

func (c *LockClaimer) Claim(ctx context.Context, workerID string, limit int) ([]*db.ScheduledJob, error) {
	due, err := c.store.ListDueJobs(ctx, limit)
	if err != nil {
		return nil, err
	}

	claimed := make([]*db.ScheduledJob, 0, len(due))
	for _, job := range due {
		key := jobLockKey(job.ID)
		ok, err := c.locks.TryAcquire(ctx, key, c.ttl)
		if err != nil {
			c.logger.Warn("job claim failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		// The listing may be stale: another worker can have finished the
		// job between our read and the claim.
		current, err := c.store.GetJob(ctx, job.ID)
		if err != nil || current.Status != db.JobStatusPending {
			c.release(ctx, key)
			continue
		}
		claimed = append(claimed, current)
	}

	c.logger.Debug("jobs claimed by lock",
		zap.String("worker_id", workerID),
		zap.Int("listed", len(due)),
		zap.Int("claimed", len(claimed)),
	)
	return claimed, nil
}

func (c *LockClaimer) Renew(ctx context.Context, job *db.ScheduledJob, workerID string) error {
	held, err := c.locks.Extend(ctx, jobLockKey(job.ID), c.ttl)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("job %s claim expired for %s: %w", job.ID, workerID, db.ErrJobNotClaimed)
	}
	return nil
}

func (c *LockClaimer) Complete(ctx context.Context, job *db.ScheduledJob, workerID string, out Outcome) error {
	defer c.release(ctx, jobLockKey(job.ID))
	lastError, providerID := out.columns()
	return c.store.CompleteJob(ctx, job.ID, workerID, out.Status, lastError, providerID)
}

// Cancel takes the job's claim for the update, so a job a worker is sending
// cannot be cancelled under it.
func (c *LockClaimer) Cancel(ctx context.Context, id uuid.UUID) error {
	err := c.locks.WithExclusive(ctx, jobLockKey(id), 5*time.Second, func(ctx context.Context) error {
		return c.store.CancelJob(ctx, id)
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		return fmt.Errorf("job %s is being dispatched: %w", id, db.ErrJobNotCancellable)
	}
	return err
}

func (c *LockClaimer) release(ctx context.Context, key string) {
	if err := c.locks.Release(ctx, key); err != nil {
		c.logger.Debug("job claim release", zap.String("key", key), zap.Error(err))
	}
}
