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

// JobRepository persists scheduled jobs in the scheduled_jobs table.
type JobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

const jobColumns = `
	id, tenant_id, lead_id, channel, intent, payload, scheduled_at,
	status, last_error, provider_message_id, claimed_by, claimed_until,
	created_at, updated_at`

func scanJob(row pgx.Row) (*ScheduledJob, error) {
	var job ScheduledJob
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.LeadID,
		&job.Channel,
		&job.Intent,
		&job.Payload,
		&job.ScheduledAt,
		&job.Status,
		&job.LastError,
		&job.ProviderMessageID,
		&job.ClaimedBy,
		&job.ClaimedUntil,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob inserts a new pending job.
func (r *JobRepository) CreateJob(ctx context.Context, job *ScheduledJob) error {
	query := `
		INSERT INTO scheduled_jobs (
			id, tenant_id, lead_id, channel, intent, payload, scheduled_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.TenantID,
		job.LeadID,
		job.Channel,
		job.Intent,
		job.Payload,
		job.ScheduledAt,
		job.Status,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create scheduled job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("insert scheduled job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query scheduled job: %w", err)
	}
	return job, nil
}

// ClaimDueJobs leases up to limit due jobs to workerID in one statement.
//
// Rows locked by a concurrent claim are skipped rather than waited on, and a
// job whose previous lease expired is eligible again.
func (r *JobRepository) ClaimDueJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*ScheduledJob, error) {
	query := `
		UPDATE scheduled_jobs
		SET claimed_by = $1,
		    claimed_until = NOW() + ($2::double precision * INTERVAL '1 millisecond'),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE status = 'pending'
			  AND scheduled_at <= NOW()
			  AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.Pool().Query(ctx, query, workerID, float64(lease.Milliseconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

// ListDueJobs returns up to limit due, unleased pending jobs without claiming
// them. Callers must serialize per job themselves.
func (r *JobRepository) ListDueJobs(ctx context.Context, limit int) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE status = 'pending'
		  AND scheduled_at <= NOW()
		  AND (claimed_until IS NULL OR claimed_until < NOW())
		ORDER BY scheduled_at ASC
		LIMIT $1`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// RenewClaim extends workerID's lease on a job to lease from now. A lease
// that already ran out is not revived: another worker may have claimed the
// job since, so ErrJobNotClaimed is returned and the caller must drop it.
func (r *JobRepository) RenewClaim(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	query := `
		UPDATE scheduled_jobs
		SET claimed_until = NOW() + ($3::double precision * INTERVAL '1 millisecond'),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND claimed_by = $2 AND claimed_until > NOW()
	`

	result, err := r.db.Pool().Exec(ctx, query, id, workerID, float64(lease.Milliseconds()))
	if err != nil {
		return fmt.Errorf("renew job claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobNotClaimed)
	}
	return nil
}

// CompleteJob moves a pending job to a terminal status. A leased job only
// completes for the worker holding the lease; unleased jobs (claimed through
// an external lock) complete for any caller.
func (r *JobRepository) CompleteJob(ctx context.Context, id uuid.UUID, workerID, status string, lastError, providerMessageID *string) error {
	query := `
		UPDATE scheduled_jobs
		SET status = $1, last_error = $2, provider_message_id = $3,
		    claimed_until = NULL, updated_at = NOW()
		WHERE id = $4 AND status = 'pending'
		  AND (claimed_by IS NULL OR claimed_by = $5)
	`

	result, err := r.db.Pool().Exec(ctx, query, status, lastError, providerMessageID, id, workerID)
	if err != nil {
		r.logger.Error("failed to complete scheduled job",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return fmt.Errorf("complete scheduled job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobNotClaimed)
	}
	return nil
}

// CancelJob cancels a pending job that no worker currently holds.
func (r *JobRepository) CancelJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE scheduled_jobs
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (claimed_until IS NULL OR claimed_until < NOW())
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel scheduled job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobNotCancellable)
	}

	r.logger.Info("scheduled job cancelled", zap.String("job_id", id.String()))
	return nil
}
