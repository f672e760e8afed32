package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

// MemoryStore is a process-local Store with the same claim semantics as the
// Postgres job table. It is used in tests and single-process development.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.ScheduledJob
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*db.ScheduledJob), now: time.Now}
}

func copyJob(j *db.ScheduledJob) *db.ScheduledJob {
	cp := *j
	return &cp
}

func (s *MemoryStore) CreateJob(_ context.Context, job *db.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*db.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, db.ErrNotFound)
	}
	return copyJob(j), nil
}

// due returns unleased due pending jobs ordered by scheduled time (must be
// called with lock held).
func (s *MemoryStore) due(now time.Time, limit int) []*db.ScheduledJob {
	var out []*db.ScheduledJob
	for _, j := range s.jobs {
		if j.Status != db.JobStatusPending || j.ScheduledAt.After(now) {
			continue
		}
		if j.ClaimedUntil != nil && !j.ClaimedUntil.Before(now) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ScheduledAt.Before(out[b].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ClaimDueJobs(_ context.Context, workerID string, limit int, lease time.Duration) ([]*db.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	until := now.Add(lease)

	var claimed []*db.ScheduledJob
	for _, j := range s.due(now, limit) {
		worker := workerID
		j.ClaimedBy = &worker
		j.ClaimedUntil = &until
		j.UpdatedAt = now
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

func (s *MemoryStore) ListDueJobs(_ context.Context, limit int) ([]*db.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.ScheduledJob
	for _, j := range s.due(s.now(), limit) {
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (s *MemoryStore) RenewClaim(_ context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	j, ok := s.jobs[id]
	if !ok || j.Status != db.JobStatusPending || j.ClaimedBy == nil || *j.ClaimedBy != workerID ||
		j.ClaimedUntil == nil || !j.ClaimedUntil.After(now) {
		return fmt.Errorf("job %s: %w", id, db.ErrJobNotClaimed)
	}
	until := now.Add(lease)
	j.ClaimedUntil = &until
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id uuid.UUID, workerID, status string, lastError, providerMessageID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != db.JobStatusPending || (j.ClaimedBy != nil && *j.ClaimedBy != workerID) {
		return fmt.Errorf("job %s: %w", id, db.ErrJobNotClaimed)
	}
	j.Status = status
	j.LastError = lastError
	j.ProviderMessageID = providerMessageID
	j.ClaimedUntil = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CancelJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	j, ok := s.jobs[id]
	if !ok || j.Status != db.JobStatusPending || (j.ClaimedUntil != nil && !j.ClaimedUntil.Before(now)) {
		return fmt.Errorf("job %s: %w", id, db.ErrJobNotCancellable)
	}
	j.Status = db.JobStatusCancelled
	j.UpdatedAt = now
	return nil
}
