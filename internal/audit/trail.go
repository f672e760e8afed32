// Package audit keeps the tamper-evident, append-only log of state changes.
//
// Append never blocks and never fails the caller: records are handed to a
// bounded channel and written by a single writer goroutine. A full buffer or
// a store outage loses records, which is logged at error level.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

// AnnotationAnonymized marks records whose subject has been anonymized.
const AnnotationAnonymized = "anonymized_at"

// Store is the durable backend of the trail.
type Store interface {
	InsertAuditRecord(ctx context.Context, rec *db.AuditRecord) error
	LastAuditHash(ctx context.Context, tenantID uuid.UUID) (string, error)
	ListRecentAuditRecords(ctx context.Context, tenantID uuid.UUID, limit int) ([]*db.AuditRecord, error)
	AnnotateAuditRecords(ctx context.Context, tenantID uuid.UUID, resourceID, key, value string) (int64, error)
}

// Config tunes the writer.
type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
	DrainTimeout time.Duration
}

// Trail is the audit log.
type Trail struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time

	records chan *db.AuditRecord
	// heads is the last written hash per tenant. Only the writer touches it.
	heads map[uuid.UUID]string
}

// New creates a trail. Call Run to start writing.
func New(store Store, cfg Config, logger *zap.Logger) *Trail {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Trail{
		store:   store,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		records: make(chan *db.AuditRecord, cfg.BufferSize),
		heads:   make(map[uuid.UUID]string),
	}
}

// Append queues a record. It returns immediately.
func (t *Trail) Append(tenantID uuid.UUID, actorID, eventType, resourceID string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	rec := &db.AuditRecord{
		ID:         uuid.New(),
		TenantID:   tenantID,
		ActorID:    actorID,
		EventType:  eventType,
		ResourceID: resourceID,
		Metadata:   metadata,
		// Stored timestamps keep microseconds; hash what will be read back.
		CreatedAt: t.now().UTC().Truncate(time.Microsecond),
	}

	select {
	case t.records <- rec:
	default:
		metrics.RecordAudit("dropped")
		t.logger.Error("audit buffer full, record dropped",
			zap.Bool("critical", true),
			zap.String("tenant_id", tenantID.String()),
			zap.String("event_type", eventType),
			zap.String("resource_id", resourceID),
		)
	}
}

// Run writes queued records until ctx is done, then drains what is left.
func (t *Trail) Run(ctx context.Context) {
	t.logger.Info("audit writer started", zap.Int("buffer_size", t.config.BufferSize))

	for {
		select {
		case rec := <-t.records:
			t.write(ctx, rec)
		case <-ctx.Done():
			t.drain()
			return
		}
	}
}

func (t *Trail) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.DrainTimeout)
	defer cancel()

	n := 0
	for {
		select {
		case rec := <-t.records:
			t.write(ctx, rec)
			n++
		default:
			t.logger.Info("audit writer stopped", zap.Int("drained", n))
			return
		}
	}
}

func (t *Trail) write(ctx context.Context, rec *db.AuditRecord) {
	ctx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
	defer cancel()

	if err := t.seal(ctx, rec); err != nil {
		t.fail(rec, err)
		return
	}
	if err := t.store.InsertAuditRecord(ctx, rec); err != nil {
		t.fail(rec, err)
		return
	}

	t.heads[rec.TenantID] = rec.Hash
	metrics.RecordAudit("written")
}

func (t *Trail) seal(ctx context.Context, rec *db.AuditRecord) error {
	prev, ok := t.heads[rec.TenantID]
	if !ok {
		h, err := t.store.LastAuditHash(ctx, rec.TenantID)
		if err != nil {
			return fmt.Errorf("load chain head: %w", err)
		}
		prev = h
	}
	rec.PrevHash = prev

	hash, err := ComputeHash(rec)
	if err != nil {
		return fmt.Errorf("hash record: %w", err)
	}
	rec.Hash = hash
	return nil
}

func (t *Trail) fail(rec *db.AuditRecord, err error) {
	metrics.RecordAudit("failed")
	t.logger.Error("audit write failed",
		zap.Bool("critical", true),
		zap.String("record_id", rec.ID.String()),
		zap.String("tenant_id", rec.TenantID.String()),
		zap.String("event_type", rec.EventType),
		zap.String("resource_id", rec.ResourceID),
		zap.Error(err),
	)
}

// MarkAnonymized flags every record about resourceID as anonymized. Records
// are kept and their hashes stay valid.
func (t *Trail) MarkAnonymized(ctx context.Context, tenantID uuid.UUID, resourceID string) (int64, error) {
	n, err := t.store.AnnotateAuditRecords(ctx, tenantID, resourceID, AnnotationAnonymized, t.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// VerifyTenant recomputes a tenant's newest limit records, where tampering
// with recent activity shows up first. The oldest record in the range is
// not linked back to its predecessor.
func (t *Trail) VerifyTenant(ctx context.Context, tenantID uuid.UUID, limit int) (VerifyResult, error) {
	records, err := t.store.ListRecentAuditRecords(ctx, tenantID, limit)
	if err != nil {
		return VerifyResult{}, err
	}
	res := Verify(records)
	if !res.Intact() {
		t.logger.Error("audit chain verification found tampered records",
			zap.Bool("critical", true),
			zap.String("tenant_id", tenantID.String()),
			zap.Strings("record_ids", res.Tampered),
		)
	}
	return res, nil
}
