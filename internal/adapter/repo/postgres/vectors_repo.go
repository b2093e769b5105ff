package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracefold/engsync/internal/domain"
)

// VectorRefRepo maintains row -> vector point references. Upsert is keyed by
// (tenant_id, source_table, source_row_id) so re-embedding overwrites.
type VectorRefRepo struct{ Pool PgxPool }

// NewVectorRefRepo constructs a VectorRefRepo with the given pool.
func NewVectorRefRepo(p PgxPool) *VectorRefRepo { return &VectorRefRepo{Pool: p} }

// Upsert writes a vector reference.
func (r *VectorRefRepo) Upsert(ctx context.Context, v domain.VectorRef) error {
	now := time.Now().UTC()
	query := `INSERT INTO vector_refs (id, tenant_id, source_table, source_row_id,
			collection, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,true,$6,$6)
		ON CONFLICT (tenant_id, source_table, source_row_id) DO UPDATE SET
			collection=EXCLUDED.collection, active=true, updated_at=EXCLUDED.updated_at`
	_, err := q(ctx, r.Pool).Exec(ctx, query, uuid.New().String(), v.TenantID, v.Table,
		v.RowID, v.Collection, now)
	if err != nil {
		return fmt.Errorf("op=vector_ref.upsert: %w", err)
	}
	return nil
}

// Deactivate soft-deletes the reference when the source row is deactivated.
func (r *VectorRefRepo) Deactivate(ctx context.Context, tenantID, table, rowID string) error {
	query := `UPDATE vector_refs SET active=false, updated_at=$4
		WHERE tenant_id=$1 AND source_table=$2 AND source_row_id=$3`
	_, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, table, rowID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=vector_ref.deactivate: %w", err)
	}
	return nil
}

// CountActive returns the tenant's active reference count; the test suite
// uses it to check vector/row drift.
func (r *VectorRefRepo) CountActive(ctx context.Context, tenantID string) (int, error) {
	var n int
	query := `SELECT count(*) FROM vector_refs WHERE tenant_id=$1 AND active = true`
	if err := q(ctx, r.Pool).QueryRow(ctx, query, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=vector_ref.count_active: %w", err)
	}
	return n, nil
}
