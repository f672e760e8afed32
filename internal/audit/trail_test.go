package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

type memStore struct {
	mu        sync.Mutex
	records   []*db.AuditRecord
	insertErr error
}

func (m *memStore) InsertAuditRecord(_ context.Context, rec *db.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memStore) LastAuditHash(_ context.Context, tenantID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].TenantID == tenantID {
			return m.records[i].Hash, nil
		}
	}
	return "", nil
}

func (m *memStore) ListRecentAuditRecords(_ context.Context, tenantID uuid.UUID, limit int) ([]*db.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.AuditRecord
	for _, r := range m.records {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) AnnotateAuditRecords(_ context.Context, tenantID uuid.UUID, resourceID, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.TenantID == tenantID && r.ResourceID == resourceID {
			if r.Annotations == nil {
				r.Annotations = map[string]string{}
			}
			r.Annotations[key] = value
			n++
		}
	}
	return n, nil
}

// runTrail appends via fn while the writer runs, then stops it and waits for the drain.
func runTrail(t *testing.T, trail *Trail, fn func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		trail.Run(ctx)
		close(done)
	}()
	fn()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("audit writer did not stop")
	}
}

// roundTrip mimics reading a record back from a jsonb column.
func roundTrip(t *testing.T, rec *db.AuditRecord) *db.AuditRecord {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var out db.AuditRecord
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	return &out
}

func TestTrail_ThousandRecordsRecompute(t *testing.T) {
	store := &memStore{}
	trail := New(store, Config{BufferSize: 2048}, zap.NewNop())
	tenant := uuid.New()

	runTrail(t, trail, func() {
		for i := 0; i < 1000; i++ {
			trail.Append(tenant, "worker-1", "job.sent", fmt.Sprintf("job:%d", i), map[string]any{
				"attempt":  i % 4,
				"channel":  "whatsapp",
				"provider": map[string]any{"id": fmt.Sprintf("wamid.%d", i)},
			})
		}
	})

	if len(store.records) != 1000 {
		t.Fatalf("expected 1000 records, got %d", len(store.records))
	}

	reread := make([]*db.AuditRecord, 0, len(store.records))
	for _, rec := range store.records {
		reread = append(reread, roundTrip(t, rec))
	}
	for i, rec := range reread {
		h, err := ComputeHash(rec)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if h != rec.Hash {
			t.Fatalf("record %d: recomputed %s, stored %s", i, h, rec.Hash)
		}
	}

	res := Verify(reread)
	if res.Checked != 1000 || !res.Intact() || len(res.BrokenLinks) != 0 {
		t.Fatalf("unexpected verify result: checked=%d tampered=%d broken=%d", res.Checked, len(res.Tampered), len(res.BrokenLinks))
	}
	if reread[0].PrevHash != "" {
		t.Errorf("first record should start the chain, prev=%q", reread[0].PrevHash)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := &memStore{}
	trail := New(store, Config{}, zap.NewNop())
	tenant := uuid.New()

	runTrail(t, trail, func() {
		for i := 0; i < 3; i++ {
			trail.Append(tenant, "agent-7", "lead.assigned", "lead:1", map[string]any{"n": i})
		}
	})

	store.records[1].ActorID = "someone-else"
	res := Verify(store.records)
	if res.Intact() {
		t.Fatal("expected tampering to be detected")
	}
	if len(res.Tampered) != 1 || res.Tampered[0] != store.records[1].ID.String() {
		t.Fatalf("unexpected tampered list %v", res.Tampered)
	}
}

func TestVerifyTenant_ChecksNewestRecords(t *testing.T) {
	store := &memStore{}
	trail := New(store, Config{}, zap.NewNop())
	tenant := uuid.New()

	runTrail(t, trail, func() {
		for i := 0; i < 10; i++ {
			trail.Append(tenant, "worker:a", "job.sent", fmt.Sprintf("job:%d", i), nil)
		}
	})

	newest := store.records[len(store.records)-1]
	newest.EventType = "job.failed"

	res, err := trail.VerifyTenant(context.Background(), tenant, 4)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if res.Checked != 4 {
		t.Fatalf("checked %d records, want 4", res.Checked)
	}
	if len(res.Tampered) != 1 || res.Tampered[0] != newest.ID.String() {
		t.Fatalf("newest record tampering missed: %v", res.Tampered)
	}
	if len(res.BrokenLinks) != 0 {
		t.Errorf("a window of the chain should link up: %v", res.BrokenLinks)
	}
}

func TestMarkAnonymized_KeepsHashesValid(t *testing.T) {
	store := &memStore{}
	trail := New(store, Config{}, zap.NewNop())
	tenant := uuid.New()

	runTrail(t, trail, func() {
		trail.Append(tenant, "system", "lead.created", "lead:42", nil)
		trail.Append(tenant, "agent-1", "lead.assigned", "lead:42", nil)
		trail.Append(tenant, "agent-1", "lead.assigned", "lead:43", nil)
	})

	n, err := trail.MarkAnonymized(context.Background(), tenant, "lead:42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records annotated, got %d", n)
	}
	if len(store.records) != 3 {
		t.Fatal("anonymization must not delete records")
	}

	res, err := trail.VerifyTenant(context.Background(), tenant, 100)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !res.Intact() {
		t.Fatalf("annotations must not break hashes: %v", res.Tampered)
	}
	if store.records[0].Annotations[AnnotationAnonymized] == "" {
		t.Error("expected anonymized annotation")
	}
}

func TestAppend_NeverBlocksWhenBufferFull(t *testing.T) {
	trail := New(&memStore{}, Config{BufferSize: 1}, zap.NewNop())
	tenant := uuid.New()

	done := make(chan struct{})
	go func() {
		// No writer is running.
		for i := 0; i < 100; i++ {
			trail.Append(tenant, "a", "e", "r", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a full buffer")
	}
}

func TestTrail_StoreFailureIsSwallowed(t *testing.T) {
	store := &memStore{insertErr: errors.New("database is down")}
	trail := New(store, Config{}, zap.NewNop())
	tenant := uuid.New()

	runTrail(t, trail, func() {
		trail.Append(tenant, "a", "job.failed", "job:1", nil)
	})

	if len(store.records) != 0 {
		t.Fatal("nothing should be stored")
	}

	// The chain head must not advance past a record that was never written.
	store.insertErr = nil
	runTrail(t, trail, func() {
		trail.Append(tenant, "a", "job.failed", "job:2", nil)
	})
	if len(store.records) != 1 || store.records[0].PrevHash != "" {
		t.Fatalf("expected first stored record to start the chain, got %+v", store.records)
	}
}

func TestTrail_ResumesChainFromStore(t *testing.T) {
	store := &memStore{}
	tenant := uuid.New()

	first := New(store, Config{}, zap.NewNop())
	runTrail(t, first, func() { first.Append(tenant, "a", "e", "r1", nil) })

	second := New(store, Config{}, zap.NewNop())
	runTrail(t, second, func() { second.Append(tenant, "a", "e", "r2", nil) })

	if store.records[1].PrevHash != store.records[0].Hash {
		t.Fatal("a new writer should continue the stored chain")
	}
}
