package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/tracefold/engsync/internal/domain"
)

// RawRepo persists raw extraction payloads.
type RawRepo struct{ Pool PgxPool }

// NewRawRepo constructs a RawRepo with the given pool.
func NewRawRepo(p PgxPool) *RawRepo { return &RawRepo{Pool: p} }

// Create inserts a pending raw record and returns its id.
func (r *RawRepo) Create(ctx context.Context, rec domain.RawRecord) (string, error) {
	tracer := otel.Tracer("repo.raw")
	ctx, span := tracer.Start(ctx, "raw.Create")
	defer span.End()
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	query := `INSERT INTO raw_records (id, tenant_id, integration_id, payload_type,
		payload, status, parent_external_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',$6,$7,$7)`
	_, err := q(ctx, r.Pool).Exec(ctx, query, id, rec.TenantID, rec.IntegrationID,
		rec.PayloadType, rec.Payload, rec.ParentExternalID, now)
	if err != nil {
		return "", fmt.Errorf("op=raw.create: %w", err)
	}
	return id, nil
}

// Get loads a raw record by id within a tenant.
func (r *RawRepo) Get(ctx context.Context, tenantID, id string) (domain.RawRecord, error) {
	query := `SELECT id, tenant_id, integration_id, payload_type, payload, status,
		COALESCE(parent_external_id,''), created_at, updated_at
		FROM raw_records WHERE tenant_id=$1 AND id=$2`
	var rec domain.RawRecord
	err := q(ctx, r.Pool).QueryRow(ctx, query, tenantID, id).Scan(&rec.ID, &rec.TenantID,
		&rec.IntegrationID, &rec.PayloadType, &rec.Payload, &rec.Status,
		&rec.ParentExternalID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RawRecord{}, fmt.Errorf("op=raw.get: %w", domain.ErrNotFound)
		}
		return domain.RawRecord{}, fmt.Errorf("op=raw.get: %w", err)
	}
	return rec, nil
}

// MarkCompleted transitions a raw record to completed. Transform workers are
// idempotent on redelivery: marking an already-completed record is a no-op.
func (r *RawRepo) MarkCompleted(ctx context.Context, tenantID, id string) error {
	query := `UPDATE raw_records SET status='completed', updated_at=$3
		WHERE tenant_id=$1 AND id=$2`
	if _, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=raw.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a raw record to failed.
func (r *RawRepo) MarkFailed(ctx context.Context, tenantID, id string) error {
	query := `UPDATE raw_records SET status='failed', updated_at=$3
		WHERE tenant_id=$1 AND id=$2`
	if _, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=raw.mark_failed: %w", err)
	}
	return nil
}

// DeleteCompletedBefore removes completed raw records older than cutoff.
func (r *RawRepo) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM raw_records WHERE status='completed' AND updated_at < $1`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=raw.delete_completed_before: %w", err)
	}
	return tag.RowsAffected(), nil
}
