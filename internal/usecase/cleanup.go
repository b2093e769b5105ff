package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracefold/engsync/internal/domain"
)

// RetentionCleaner deletes completed raw records older than the retention
// window. Raw payloads only exist to feed the transform stage; once
// completed they are dead weight.
type RetentionCleaner struct {
	Raw       domain.RawRepository
	Retention time.Duration
	Interval  time.Duration
	Clock     domain.Clock
}

func (c *RetentionCleaner) Run(ctx context.Context) {
	if c == nil || c.Raw == nil || c.Retention <= 0 {
		return
	}
	interval := c.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.cleanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention cleaner stopping")
			return
		case <-ticker.C:
			c.cleanOnce(ctx)
		}
	}
}

func (c *RetentionCleaner) cleanOnce(ctx context.Context) {
	now := time.Now().UTC()
	if c.Clock != nil {
		now = c.Clock.Now()
	}
	n, err := c.Raw.DeleteCompletedBefore(ctx, now.Add(-c.Retention))
	if err != nil {
		slog.Error("raw record cleanup failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Info("raw records cleaned", slog.Int64("deleted", n))
	}
}
