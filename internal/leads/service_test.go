package leads

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/lock"
)

// mockRepository has no store-level guard of its own so the tests exercise the lock.
type mockRepository struct {
	mu      sync.Mutex
	leads   map[uuid.UUID]*db.Lead
	writes  int
	readLag time.Duration
}

func (m *mockRepository) GetLead(_ context.Context, _, leadID uuid.UUID) (*db.Lead, error) {
	m.mu.Lock()
	l, ok := m.leads[leadID]
	var cp db.Lead
	if ok {
		cp = *l
	}
	m.mu.Unlock()
	if !ok {
		return nil, db.ErrNotFound
	}
	// Widen the check-then-write window.
	time.Sleep(m.readLag)
	return &cp, nil
}

func (m *mockRepository) AssignLead(_ context.Context, _, leadID, agentID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	l := m.leads[leadID]
	l.AssignedTo = &agentID
	l.AssignedAt = &at
	return true, nil
}

type countingAuditor struct {
	mu sync.Mutex
	n  int
}

func (a *countingAuditor) Append(uuid.UUID, string, string, string, map[string]any) {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func newTestService(repo Repository, auditor Auditor) *Service {
	locks := lock.NewManager(lock.NewMemoryStore(), "test", zap.NewNop())
	return NewService(repo, locks, auditor, Config{LockWait: 2 * time.Second, PollInterval: time.Millisecond}, zap.NewNop())
}

func TestAssignLeadToAgent_ConcurrentCallsExactlyOneWins(t *testing.T) {
	tenant, leadID := uuid.New(), uuid.New()
	repo := &mockRepository{
		leads:   map[uuid.UUID]*db.Lead{leadID: {ID: leadID, TenantID: tenant}},
		readLag: 20 * time.Millisecond,
	}
	auditor := &countingAuditor{}
	svc := newTestService(repo, auditor)

	agents := []uuid.UUID{uuid.New(), uuid.New()}
	errs := make([]error, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent uuid.UUID) {
			defer wg.Done()
			_, errs[i] = svc.AssignLeadToAgent(context.Background(), tenant, leadID, agent)
		}(i, agent)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyAssigned):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one success and one AlreadyAssigned, got ok=%d conflict=%d", ok, conflict)
	}
	if repo.writes != 1 {
		t.Fatalf("expected exactly one write, got %d", repo.writes)
	}
	if auditor.n != 1 {
		t.Fatalf("expected one audit record, got %d", auditor.n)
	}
}

func TestAssignLeadToAgent_AlreadyAssigned(t *testing.T) {
	tenant, leadID, owner := uuid.New(), uuid.New(), uuid.New()
	repo := &mockRepository{leads: map[uuid.UUID]*db.Lead{leadID: {ID: leadID, TenantID: tenant, AssignedTo: &owner}}}
	svc := newTestService(repo, nil)

	_, err := svc.AssignLeadToAgent(context.Background(), tenant, leadID, uuid.New())
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if repo.writes != 0 {
		t.Fatal("no write expected")
	}
}

func TestAssignLeadToAgent_NotFound(t *testing.T) {
	svc := newTestService(&mockRepository{leads: map[uuid.UUID]*db.Lead{}}, nil)
	_, err := svc.AssignLeadToAgent(context.Background(), uuid.New(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestAssignLeadToAgent_LockTimeout(t *testing.T) {
	tenant, leadID := uuid.New(), uuid.New()
	store := lock.NewMemoryStore()
	holder := lock.NewManager(store, "other", zap.NewNop())
	holder.TryAcquire(context.Background(), "lead:"+leadID.String(), time.Minute)

	repo := &mockRepository{leads: map[uuid.UUID]*db.Lead{leadID: {ID: leadID, TenantID: tenant}}}
	svc := NewService(repo, lock.NewManager(store, "me", zap.NewNop()), nil,
		Config{LockWait: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}, zap.NewNop())

	_, err := svc.AssignLeadToAgent(context.Background(), tenant, leadID, uuid.New())
	if !errors.Is(err, lock.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}
