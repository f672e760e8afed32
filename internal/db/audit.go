package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AuditRepository is the append-only store behind the audit trail.
// Records are inserted and annotated, never updated in their hashed fields
// and never deleted.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// InsertAuditRecord appends a sealed record.
func (r *AuditRepository) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	query := `
		INSERT INTO audit_records (
			id, tenant_id, actor_id, event_type, resource_id,
			metadata, prev_hash, hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.ActorID,
		rec.EventType,
		rec.ResourceID,
		rec.Metadata,
		rec.PrevHash,
		rec.Hash,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// LastAuditHash returns the hash of the newest record of a tenant, or "" if
// the tenant has none yet.
func (r *AuditRepository) LastAuditHash(ctx context.Context, tenantID uuid.UUID) (string, error) {
	query := `
		SELECT hash FROM audit_records
		WHERE tenant_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`

	var hash string
	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last audit hash: %w", err)
	}
	return hash, nil
}

// ListRecentAuditRecords returns the newest limit records of a tenant,
// oldest first.
func (r *AuditRepository) ListRecentAuditRecords(ctx context.Context, tenantID uuid.UUID, limit int) ([]*AuditRecord, error) {
	query := `
		SELECT id, tenant_id, actor_id, event_type, resource_id,
		       metadata, prev_hash, hash, annotations, created_at
		FROM (
			SELECT * FROM audit_records
			WHERE tenant_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		err := rows.Scan(
			&rec.ID,
			&rec.TenantID,
			&rec.ActorID,
			&rec.EventType,
			&rec.ResourceID,
			&rec.Metadata,
			&rec.PrevHash,
			&rec.Hash,
			&rec.Annotations,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// AnnotateAuditRecords merges key=value into the annotations of every record
// about resourceID. Hashed columns are left untouched.
func (r *AuditRepository) AnnotateAuditRecords(ctx context.Context, tenantID uuid.UUID, resourceID, key, value string) (int64, error) {
	query := `
		UPDATE audit_records
		SET annotations = COALESCE(annotations, '{}'::jsonb) || jsonb_build_object($1::text, $2::text)
		WHERE tenant_id = $3 AND resource_id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, key, value, tenantID, resourceID)
	if err != nil {
		return 0, fmt.Errorf("annotate audit records: %w", err)
	}

	r.logger.Info("audit records annotated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("resource_id", resourceID),
		zap.String("annotation", key),
		zap.Int64("records", result.RowsAffected()),
	)
	return result.RowsAffected(), nil
}

// ListAuditTenants returns every tenant that has audit records.
func (r *AuditRepository) ListAuditTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT DISTINCT tenant_id FROM audit_records`)
	if err != nil {
		return nil, fmt.Errorf("query audit tenants: %w", err)
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan audit tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return tenants, nil
}
