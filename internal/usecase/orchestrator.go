// Package usecase holds the pipeline's application services: the job
// orchestrator and the three stage handlers. Everything here depends only on
// the domain ports; adapters are injected at process start.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
)

// Orchestrator drives the per-tenant job ladder: it acquires the run lock,
// seeds the extraction queue, and chains jobs when terminal embed messages
// arrive. It implements domain.ChainSink.
type Orchestrator struct {
	Tenants      domain.TenantRepository
	Settings     domain.SettingsRepository
	Integrations domain.IntegrationRepository
	Jobs         domain.JobRepository
	Queue        domain.Queue
	Progress     domain.ProgressSink
	Clock        domain.Clock

	// DefaultTickInterval applies when tenant settings carry no override.
	DefaultTickInterval time.Duration
	// DefaultMaxRetryAttempts caps accelerated retries per job.
	DefaultMaxRetryAttempts int
	// DefaultRetryIntervalMin applies when a job row carries no retry
	// interval of its own.
	DefaultRetryIntervalMin int

	mu        sync.Mutex
	lastTicks map[string]time.Time
}

// Tick scans active tenants and processes each whose orchestrator is enabled
// and whose interval has elapsed. Per-tenant failures are logged, not fatal.
func (o *Orchestrator) Tick(ctx context.Context) error {
	tracer := otel.Tracer("usecase.orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.Tick")
	defer span.End()

	tenants, err := o.Tenants.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("op=orchestrator.tick: %w", err)
	}
	span.SetAttributes(attribute.Int("tenants.count", len(tenants)))

	now := o.now()
	for _, t := range tenants {
		settings, err := o.Settings.Get(ctx, t.ID)
		if err != nil {
			slog.Error("tenant settings read failed", slog.String("tenant_id", t.ID), slog.Any("error", err))
			continue
		}
		if !settings.OrchestratorEnabled {
			continue
		}
		if !o.intervalElapsed(t.ID, settings, now) {
			continue
		}
		if err := o.ProcessOneTenant(ctx, t); err != nil {
			slog.Error("tenant tick failed", slog.String("tenant_id", t.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (o *Orchestrator) intervalElapsed(tenantID string, s domain.TenantSettings, now time.Time) bool {
	interval := o.DefaultTickInterval
	if s.TickIntervalMin > 0 {
		interval = time.Duration(s.TickIntervalMin) * time.Minute
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastTicks == nil {
		o.lastTicks = make(map[string]time.Time)
	}
	last, ok := o.lastTicks[tenantID]
	if ok && now.Sub(last) < interval {
		return false
	}
	o.lastTicks[tenantID] = now
	return true
}

// ProcessOneTenant picks the tenant's next eligible job, wins the run lock by
// compare-and-set, and seeds the extraction queue. A lost race is not an
// error; another process is running the job.
func (o *Orchestrator) ProcessOneTenant(ctx context.Context, tenant domain.Tenant) error {
	tracer := otel.Tracer("usecase.orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.ProcessOneTenant")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenant.ID))

	job, err := o.Jobs.NextPending(ctx, tenant.ID)
	if errors.Is(err, domain.ErrNotFound) {
		job, err = o.Jobs.FirstReady(ctx, tenant.ID)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=orchestrator.process_one: %w", err)
	}

	now := o.now()
	if !o.jobDue(job, now) {
		return nil
	}

	ok, err := o.Jobs.AcquireRun(ctx, tenant.ID, job.ID, now)
	if err != nil {
		return fmt.Errorf("op=orchestrator.process_one: %w", err)
	}
	if !ok {
		slog.Debug("job lock lost", slog.String("tenant_id", tenant.ID), slog.String("job_id", job.ID))
		return nil
	}
	observability.JobsRunning.WithLabelValues(tenant.ID).Inc()

	if err := o.seed(ctx, job, now); err != nil {
		// Undo the lock so the next tick can retry the seed.
		observability.JobsRunning.WithLabelValues(tenant.ID).Dec()
		if rerr := o.Jobs.ReturnPending(ctx, tenant.ID, job.ID, job.Checkpoint, err.Error(), true, now); rerr != nil {
			slog.Error("seed rollback failed", slog.String("job_id", job.ID), slog.Any("error", rerr))
		}
		return fmt.Errorf("op=orchestrator.seed: %w", err)
	}
	return nil
}

// jobDue applies the schedule and retry intervals. A READY job runs
// immediately. Jobs under the retry cap wait retry_interval_minutes since
// the last finish; once FailJob has saturated the count at the cap the
// retry interval no longer applies and the normal schedule governs.
func (o *Orchestrator) jobDue(job domain.Job, now time.Time) bool {
	if job.Status == domain.JobReady {
		return true
	}
	ref := job.LastFinishedAt
	if ref == nil {
		ref = job.LastStartedAt
	}
	if ref == nil {
		return true
	}
	waitMin := job.ScheduleIntervalMin
	if job.RetryCount > 0 && job.RetryCount < o.DefaultMaxRetryAttempts {
		if retryMin := o.retryInterval(job); retryMin > 0 {
			waitMin = retryMin
		}
	}
	if waitMin <= 0 {
		return true
	}
	return !now.Before(ref.Add(time.Duration(waitMin) * time.Minute))
}

func (o *Orchestrator) retryInterval(job domain.Job) int {
	if job.RetryIntervalMin > 0 {
		return job.RetryIntervalMin
	}
	return o.DefaultRetryIntervalMin
}

// seed publishes the single seed extraction message. The seed carries full
// terminal responsibility; every later flag placement descends from it. The
// extraction end date is frozen here (or restored from a rate-limit
// checkpoint) so the boundary cannot shift mid-run.
func (o *Orchestrator) seed(ctx context.Context, job domain.Job, now time.Time) error {
	integ, err := o.Integrations.Get(ctx, job.TenantID, job.IntegrationID)
	if err != nil {
		return err
	}

	kind, err := seedKind(integ.Provider)
	if err != nil {
		return err
	}

	cp := job.Checkpoint
	// A rate-limit checkpoint re-enters at the branch that was cut off, not
	// at the top of the kind tree; earlier branches already committed their
	// rows idempotently.
	var projectKey, repoFullName, parentExternalID string
	if cp.RateLimitHit {
		if k := cp.SubCursors["kind"]; k != "" {
			kind = k
		}
		projectKey = cp.SubCursors["project"]
		repoFullName = cp.SubCursors["repo"]
		parentExternalID = cp.SubCursors["parent"]
	}
	endDate := cp.ExtractionEndDate
	if endDate == nil {
		frozen := now.UTC()
		endDate = &frozen
	}
	oldSync := cp.OldLastSyncDate
	if oldSync == nil {
		oldSync = job.LastSuccessAt
	}

	m := domain.Message{
		ID:                ulid.Make().String(),
		TenantID:          job.TenantID,
		IntegrationID:     integ.ID,
		JobID:             job.ID,
		Provider:          integ.Provider,
		Step:              job.Name,
		Stage:             domain.StageExtraction,
		Kind:              kind,
		Flags:             domain.Flags{First: true, Last: true, LastJob: true},
		Cursor:            cp.LastCursor,
		ProjectKey:        projectKey,
		RepoFullName:      repoFullName,
		ParentExternalID:  parentExternalID,
		OldLastSyncDate:   oldSync,
		ExtractionEndDate: endDate,
		EnqueuedAt:        now.UTC(),
	}
	if err := o.Queue.Publish(ctx, m); err != nil {
		return err
	}

	o.markStepRunning(ctx, job)
	o.publishProgress(ctx, job.TenantID, job.ID, job.Name, domain.StageExtraction, domain.StepRunning, 0)
	slog.Info("job seeded",
		slog.String("tenant_id", job.TenantID),
		slog.String("job_id", job.ID),
		slog.String("kind", kind),
		slog.Bool("resuming", cp.RateLimitHit))
	return nil
}

func seedKind(provider string) (string, error) {
	switch provider {
	case domain.ProviderIssues:
		return domain.KindTrackerProjects, nil
	case domain.ProviderRepos:
		return domain.KindRepositories, nil
	}
	return "", fmt.Errorf("no extraction kind for provider %q: %w", provider, domain.ErrInvalidArgument)
}

func (o *Orchestrator) markStepRunning(ctx context.Context, job domain.Job) {
	if len(job.Steps) == 0 {
		return
	}
	steps := make([]domain.JobStep, len(job.Steps))
	copy(steps, job.Steps)
	steps[0].Extraction = domain.StepRunning
	if err := o.Jobs.UpdateSteps(ctx, job.TenantID, job.ID, steps); err != nil {
		slog.Warn("step status update failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// CompleteJob implements domain.ChainSink. A rate-limited completion returns
// the job to PENDING with its checkpoint intact; a normal completion runs the
// chaining transaction. ErrConflict means another terminal message already
// chained this run and is a no-op.
func (o *Orchestrator) CompleteJob(ctx context.Context, tenantID, jobID string, rateLimited bool) error {
	tracer := otel.Tracer("usecase.orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.CompleteJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("job.id", jobID),
		attribute.Bool("rate_limited", rateLimited),
	)

	now := o.now()
	if rateLimited {
		job, err := o.Jobs.Get(ctx, tenantID, jobID)
		if err != nil {
			return fmt.Errorf("op=orchestrator.complete: %w", err)
		}
		if err := o.Jobs.ReturnPending(ctx, tenantID, jobID, job.Checkpoint, "", false, now); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil
			}
			return fmt.Errorf("op=orchestrator.complete: %w", err)
		}
		observability.JobsRunning.WithLabelValues(tenantID).Dec()
		o.publishProgress(ctx, tenantID, jobID, job.Name, domain.StageExtraction, domain.StepIdle, 1)
		slog.Info("job deferred by rate limit",
			slog.String("tenant_id", tenantID),
			slog.String("job_id", jobID),
			slog.String("node_type", job.Checkpoint.RateLimitNodeType))
		return nil
	}

	next, err := o.Jobs.FinishAndPromoteNext(ctx, tenantID, jobID, now)
	switch {
	case errors.Is(err, domain.ErrConflict):
		// A second terminal marker from the same run; the first one won.
		return nil
	case errors.Is(err, domain.ErrNotFound):
		observability.JobsRunning.WithLabelValues(tenantID).Dec()
		observability.JobsChainedTotal.Inc()
		slog.Info("job finished, ladder has no successor",
			slog.String("tenant_id", tenantID), slog.String("job_id", jobID))
		return nil
	case err != nil:
		return fmt.Errorf("op=orchestrator.complete: %w", err)
	}

	observability.JobsRunning.WithLabelValues(tenantID).Dec()
	observability.JobsChainedTotal.Inc()
	o.publishProgress(ctx, tenantID, jobID, "", domain.StageEmbed, domain.StepFinished, 1)
	slog.Info("job chained",
		slog.String("tenant_id", tenantID),
		slog.String("job_id", jobID),
		slog.String("next_job_id", next.ID))
	return nil
}

// FailJob returns a job to PENDING with the error recorded. The retry count
// is bumped only while under the cap; past it the job keeps its normal
// schedule instead of fast retries.
func (o *Orchestrator) FailJob(ctx context.Context, tenantID, jobID string, cause error) error {
	job, err := o.Jobs.Get(ctx, tenantID, jobID)
	if err != nil {
		return fmt.Errorf("op=orchestrator.fail: %w", err)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	bump := job.RetryCount < o.DefaultMaxRetryAttempts
	if err := o.Jobs.ReturnPending(ctx, tenantID, jobID, job.Checkpoint, msg, bump, o.now()); err != nil {
		return fmt.Errorf("op=orchestrator.fail: %w", err)
	}
	observability.JobsRunning.WithLabelValues(tenantID).Dec()
	observability.JobsFailedTotal.Inc()
	slog.Error("job failed",
		slog.String("tenant_id", tenantID),
		slog.String("job_id", jobID),
		slog.Int("retry_count", job.RetryCount+1),
		slog.Any("error", cause))
	return nil
}

// PauseJob stops a job from being picked up by future ticks; a running job
// finishes its in-flight messages.
func (o *Orchestrator) PauseJob(ctx context.Context, tenantID, jobID string) error {
	return o.Jobs.Pause(ctx, tenantID, jobID)
}

// ResumeJob restores the status the job held before it was paused.
func (o *Orchestrator) ResumeJob(ctx context.Context, tenantID, jobID string) error {
	return o.Jobs.Resume(ctx, tenantID, jobID)
}

// TriggerJob sets a job to PENDING by name so the next tick picks it up.
func (o *Orchestrator) TriggerJob(ctx context.Context, tenantID, jobName string) error {
	return o.Jobs.Trigger(ctx, tenantID, jobName)
}

// ReadLadder returns the tenant's ordered ladder with step statuses.
func (o *Orchestrator) ReadLadder(ctx context.Context, tenantID string) ([]domain.Job, error) {
	return o.Jobs.Ladder(ctx, tenantID)
}

func (o *Orchestrator) publishProgress(ctx context.Context, tenantID, jobID, step, stage string, st domain.StepState, fraction float64) {
	if o.Progress == nil {
		return
	}
	o.Progress.Publish(ctx, domain.ProgressEvent{
		TenantID: tenantID,
		JobID:    jobID,
		Step:     step,
		Stage:    stage,
		Status:   st,
		Fraction: fraction,
		At:       o.now(),
	})
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock.Now()
	}
	return time.Now().UTC()
}
