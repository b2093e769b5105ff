package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tracefold/engsync/internal/domain"
)

// Scheduler drives the orchestrator: a fixed ticker runs the global tick,
// and tenants with a cron expression in their settings get their own
// schedule on top of it.
type Scheduler struct {
	Orchestrator *Orchestrator
	Tenants      domain.TenantRepository
	Settings     domain.SettingsRepository
	Interval     time.Duration
}

// Run blocks until ctx is cancelled. Cron entries are registered once at
// start; a schedule change lands on the next process restart.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	c := cron.New()
	s.registerCronTenants(ctx, c)
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First tick immediately so a restart does not wait a full interval.
	if err := s.Orchestrator.Tick(ctx); err != nil {
		slog.Error("orchestrator tick failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-ticker.C:
			if err := s.Orchestrator.Tick(ctx); err != nil {
				slog.Error("orchestrator tick failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) registerCronTenants(ctx context.Context, c *cron.Cron) {
	tenants, err := s.Tenants.ListActive(ctx)
	if err != nil {
		slog.Error("cron tenant scan failed", slog.Any("error", err))
		return
	}
	for _, t := range tenants {
		settings, err := s.Settings.Get(ctx, t.ID)
		if err != nil || settings.Schedule == "" {
			continue
		}
		tenant := t
		_, err = c.AddFunc(settings.Schedule, func() {
			if err := s.Orchestrator.ProcessOneTenant(ctx, tenant); err != nil {
				slog.Error("scheduled tenant run failed",
					slog.String("tenant_id", tenant.ID), slog.Any("error", err))
			}
		})
		if err != nil {
			slog.Warn("invalid tenant cron expression",
				slog.String("tenant_id", t.ID),
				slog.String("schedule", settings.Schedule),
				slog.Any("error", err))
			continue
		}
		slog.Info("tenant cron schedule registered",
			slog.String("tenant_id", t.ID), slog.String("schedule", settings.Schedule))
	}
}
