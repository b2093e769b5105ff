package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tracefold/engsync/internal/domain"
)

// TenantRepo reads tenants.
type TenantRepo struct{ Pool PgxPool }

// NewTenantRepo constructs a TenantRepo with the given pool.
func NewTenantRepo(p PgxPool) *TenantRepo { return &TenantRepo{Pool: p} }

// ListActive returns active tenants ordered by id for deterministic ticks.
func (r *TenantRepo) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	query := `SELECT id, display_name, tier, active, created_at FROM tenants
		WHERE active = true ORDER BY id`
	rows, err := q(ctx, r.Pool).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("op=tenant.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.DisplayName, &t.Tier, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=tenant.list_active: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tenant.list_active: %w", err)
	}
	return out, nil
}

// Get loads a tenant by id.
func (r *TenantRepo) Get(ctx context.Context, id string) (domain.Tenant, error) {
	query := `SELECT id, display_name, tier, active, created_at FROM tenants WHERE id=$1`
	var t domain.Tenant
	err := q(ctx, r.Pool).QueryRow(ctx, query, id).Scan(&t.ID, &t.DisplayName, &t.Tier, &t.Active, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tenant{}, fmt.Errorf("op=tenant.get: %w", domain.ErrNotFound)
		}
		return domain.Tenant{}, fmt.Errorf("op=tenant.get: %w", err)
	}
	return t, nil
}
