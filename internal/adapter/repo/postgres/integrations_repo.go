package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tracefold/engsync/internal/domain"
)

// IntegrationRepo reads tenant provider bindings.
type IntegrationRepo struct{ Pool PgxPool }

// NewIntegrationRepo constructs an IntegrationRepo with the given pool.
func NewIntegrationRepo(p PgxPool) *IntegrationRepo { return &IntegrationRepo{Pool: p} }

const integrationColumns = `id, tenant_id, provider, base_url, credentials,
	COALESCE(organization,''), projects, repo_patterns, active, created_at, updated_at`

func scanIntegration(row pgx.Row) (domain.Integration, error) {
	var in domain.Integration
	err := row.Scan(&in.ID, &in.TenantID, &in.Provider, &in.BaseURL, &in.Credentials,
		&in.Organization, &in.Projects, &in.RepoPatterns, &in.Active, &in.CreatedAt, &in.UpdatedAt)
	return in, err
}

// Get loads an integration by id within a tenant.
func (r *IntegrationRepo) Get(ctx context.Context, tenantID, id string) (domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE tenant_id=$1 AND id=$2`
	in, err := scanIntegration(q(ctx, r.Pool).QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Integration{}, fmt.Errorf("op=integration.get: %w", domain.ErrNotFound)
		}
		return domain.Integration{}, fmt.Errorf("op=integration.get: %w", err)
	}
	return in, nil
}

// ListActive returns the tenant's active integrations.
func (r *IntegrationRepo) ListActive(ctx context.Context, tenantID string) ([]domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations
		WHERE tenant_id=$1 AND active = true ORDER BY id`
	rows, err := q(ctx, r.Pool).Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("op=integration.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("op=integration.list_active: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=integration.list_active: %w", err)
	}
	return out, nil
}
