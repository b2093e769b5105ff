package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tracefold/engsync/internal/domain"
)

// SettingsRepo reads per-tenant orchestrator settings. Missing rows fall
// back to the process defaults.
type SettingsRepo struct {
	Pool     PgxPool
	Defaults domain.TenantSettings
}

// NewSettingsRepo constructs a SettingsRepo with config-derived defaults.
func NewSettingsRepo(p PgxPool, defaults domain.TenantSettings) *SettingsRepo {
	return &SettingsRepo{Pool: p, Defaults: defaults}
}

// Get loads the tenant's settings, defaulting any absent row or field.
func (r *SettingsRepo) Get(ctx context.Context, tenantID string) (domain.TenantSettings, error) {
	query := `SELECT orchestrator_enabled, tick_interval_minutes, max_retry_attempts,
		COALESCE(embed_model,''), COALESCE(schedule,'')
		FROM tenant_settings WHERE tenant_id=$1`
	s := r.Defaults
	s.TenantID = tenantID
	err := q(ctx, r.Pool).QueryRow(ctx, query, tenantID).Scan(
		&s.OrchestratorEnabled, &s.TickIntervalMin, &s.MaxRetryAttempts, &s.EmbedModel, &s.Schedule)
	if err != nil {
		if err == pgx.ErrNoRows {
			return s, nil
		}
		return domain.TenantSettings{}, fmt.Errorf("op=settings.get: %w", err)
	}
	if s.EmbedModel == "" {
		s.EmbedModel = r.Defaults.EmbedModel
	}
	if s.TickIntervalMin <= 0 {
		s.TickIntervalMin = r.Defaults.TickIntervalMin
	}
	if s.MaxRetryAttempts <= 0 {
		s.MaxRetryAttempts = r.Defaults.MaxRetryAttempts
	}
	return s, nil
}
