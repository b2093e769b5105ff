package usecase

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tracefold/engsync/internal/domain"
)

// StuckJobSweeper returns jobs stuck in RUNNING past a deadline to PENDING.
// A crashed worker leaves its job RUNNING forever otherwise; the checkpoint
// on the row lets the next tick resume the work.
type StuckJobSweeper struct {
	Jobs     domain.JobRepository
	MaxAge   time.Duration
	Interval time.Duration
	Clock    domain.Clock
}

func NewStuckJobSweeper(jobs domain.JobRepository, maxAge, interval time.Duration) *StuckJobSweeper {
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{Jobs: jobs, MaxAge: maxAge, Interval: interval}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.Jobs == nil {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("usecase.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	now := time.Now().UTC()
	if s.Clock != nil {
		now = s.Clock.Now()
	}
	n, err := s.Jobs.SweepStuck(ctx, s.MaxAge, now)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.swept", n))
	if n > 0 {
		slog.Warn("stuck jobs returned to pending",
			slog.Int("count", n),
			slog.Duration("max_age", s.MaxAge))
	}
}
