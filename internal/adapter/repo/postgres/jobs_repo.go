package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/tracefold/engsync/internal/domain"
)

// JobRepo persists the job ladder. Status transitions use optimistic
// updates guarded by the current status so concurrent schedulers cannot
// double-run a job.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, tenant_id, integration_id, job_name, execution_order,
	schedule_interval_minutes, retry_interval_minutes, status, prev_status,
	last_started_at, last_finished_at, last_success_at, retry_count,
	COALESCE(error_message,''), checkpoint, steps, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var checkpoint, steps []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.IntegrationID, &j.Name, &j.ExecutionOrder,
		&j.ScheduleIntervalMin, &j.RetryIntervalMin, &j.Status, &j.PrevStatus,
		&j.LastStartedAt, &j.LastFinishedAt, &j.LastSuccessAt, &j.RetryCount,
		&j.ErrorMessage, &checkpoint, &steps, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &j.Checkpoint); err != nil {
			return domain.Job{}, fmt.Errorf("checkpoint decode: %w", err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &j.Steps); err != nil {
			return domain.Job{}, fmt.Errorf("steps decode: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobReady
	}
	steps, err := json.Marshal(j.Steps)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	cp, err := json.Marshal(j.Checkpoint)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	query := `INSERT INTO jobs (id, tenant_id, integration_id, job_name, execution_order,
		schedule_interval_minutes, retry_interval_minutes, status, prev_status,
		retry_count, error_message, checkpoint, steps, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,0,'',$9,$10,$11,$11)`
	_, err = q(ctx, r.Pool).Exec(ctx, query, id, j.TenantID, j.IntegrationID, j.Name,
		j.ExecutionOrder, j.ScheduleIntervalMin, j.RetryIntervalMin, j.Status, cp, steps, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id within a tenant.
func (r *JobRepo) Get(ctx context.Context, tenantID, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 AND id=$2`
	j, err := scanJob(q(ctx, r.Pool).QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// GetByName loads a job by its unique name within a tenant.
func (r *JobRepo) GetByName(ctx context.Context, tenantID, name string) (domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 AND job_name=$2`
	j, err := scanJob(q(ctx, r.Pool).QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get_by_name: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get_by_name: %w", err)
	}
	return j, nil
}

// NextPending returns the lowest-ordered PENDING job of the tenant.
func (r *JobRepo) NextPending(ctx context.Context, tenantID string) (domain.Job, error) {
	return r.firstWithStatus(ctx, tenantID, domain.JobPending, "op=job.next_pending")
}

// FirstReady returns the lowest-ordered READY job of the tenant.
func (r *JobRepo) FirstReady(ctx context.Context, tenantID string) (domain.Job, error) {
	return r.firstWithStatus(ctx, tenantID, domain.JobReady, "op=job.first_ready")
}

func (r *JobRepo) firstWithStatus(ctx context.Context, tenantID string, status domain.JobStatus, op string) (domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE tenant_id=$1 AND status=$2 ORDER BY execution_order ASC LIMIT 1`
	j, err := scanJob(q(ctx, r.Pool).QueryRow(ctx, query, tenantID, status))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

// AcquireRun is the compare-and-set PENDING|READY -> RUNNING. Zero affected
// rows means another worker won the race.
func (r *JobRepo) AcquireRun(ctx context.Context, tenantID, id string, now time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AcquireRun")
	defer span.End()
	query := `UPDATE jobs SET status=$3, last_started_at=$4, updated_at=$4
		WHERE tenant_id=$1 AND id=$2 AND status IN ('PENDING','READY')`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, domain.JobRunning, now.UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.acquire_run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishAndPromoteNext runs the chaining transaction. The RUNNING->FINISHED
// compare-and-set is the idempotence guard: a duplicated terminal message
// finds zero rows and reports ErrConflict without touching the ladder.
func (r *JobRepo) FinishAndPromoteNext(ctx context.Context, tenantID, id string, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FinishAndPromoteNext")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.chain.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	finish := `UPDATE jobs SET status='FINISHED', last_finished_at=$3, last_success_at=$3,
		error_message='', retry_count=0, checkpoint='{}', updated_at=$3
		WHERE tenant_id=$1 AND id=$2 AND status='RUNNING'
		RETURNING execution_order`
	var order int
	if err := tx.QueryRow(ctx, finish, tenantID, id, now.UTC()).Scan(&order); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.chain.finish: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.chain.finish: %w", err)
	}

	// Next rung: strictly greater execution order first, wrapping to the
	// lowest-ordered job otherwise. PAUSED jobs keep their position but are
	// skipped.
	next := `SELECT ` + jobColumns + ` FROM jobs
		WHERE tenant_id=$1 AND id<>$2 AND status NOT IN ('PAUSED','RUNNING')
		ORDER BY (execution_order <= $3), execution_order ASC LIMIT 1`
	nj, err := scanJob(tx.QueryRow(ctx, next, tenantID, id, order))
	if err != nil {
		if err == pgx.ErrNoRows {
			// Single-job ladder: finishing commits, nothing to promote.
			if err := tx.Commit(ctx); err != nil {
				return domain.Job{}, fmt.Errorf("op=job.chain.commit: %w", err)
			}
			return domain.Job{}, fmt.Errorf("op=job.chain.next: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.chain.next: %w", err)
	}

	promote := `UPDATE jobs SET status='PENDING', updated_at=$3 WHERE tenant_id=$1 AND id=$2`
	if _, err := tx.Exec(ctx, promote, tenantID, nj.ID, now.UTC()); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.chain.promote: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.chain.commit: %w", err)
	}
	nj.Status = domain.JobPending
	return nj, nil
}

// ReturnPending puts a RUNNING job back to PENDING, persisting the
// checkpoint. Used for the rate-limit deferral path (bumpRetry=false) and
// for FailJob (bumpRetry=true).
func (r *JobRepo) ReturnPending(ctx context.Context, tenantID, id string, cp domain.Checkpoint, errMsg string, bumpRetry bool, now time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReturnPending")
	defer span.End()
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("op=job.return_pending: %w", err)
	}
	bump := 0
	if bumpRetry {
		bump = 1
	}
	query := `UPDATE jobs SET status='PENDING', checkpoint=$3, error_message=$4,
		retry_count=retry_count+$5, last_finished_at=$6, updated_at=$6
		WHERE tenant_id=$1 AND id=$2 AND status='RUNNING'`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, b, errMsg, bump, now.UTC())
	if err != nil {
		return fmt.Errorf("op=job.return_pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.return_pending: %w", domain.ErrConflict)
	}
	return nil
}

// Pause records the current effective status and sets PAUSED. A running job
// keeps running; its in-flight messages drain or nack.
func (r *JobRepo) Pause(ctx context.Context, tenantID, id string) error {
	query := `UPDATE jobs SET prev_status=status, status='PAUSED', updated_at=$3
		WHERE tenant_id=$1 AND id=$2 AND status<>'PAUSED'`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.pause: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.pause: %w", domain.ErrConflict)
	}
	return nil
}

// Resume restores the status recorded at pause time.
func (r *JobRepo) Resume(ctx context.Context, tenantID, id string) error {
	query := `UPDATE jobs SET status=prev_status, updated_at=$3
		WHERE tenant_id=$1 AND id=$2 AND status='PAUSED'`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.resume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.resume: %w", domain.ErrConflict)
	}
	return nil
}

// Trigger sets a job to PENDING by name, unless it is currently RUNNING.
func (r *JobRepo) Trigger(ctx context.Context, tenantID, name string) error {
	query := `UPDATE jobs SET status='PENDING', updated_at=$3
		WHERE tenant_id=$1 AND job_name=$2 AND status<>'RUNNING'`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.trigger: %w", domain.ErrNotFound)
	}
	return nil
}

// Ladder returns the tenant's jobs ordered by execution order.
func (r *JobRepo) Ladder(ctx context.Context, tenantID string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 ORDER BY execution_order ASC`
	rows, err := q(ctx, r.Pool).Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("op=job.ladder: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.ladder: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.ladder: %w", err)
	}
	return out, nil
}

// UpdateSteps persists the per-step stage statuses.
func (r *JobRepo) UpdateSteps(ctx context.Context, tenantID, id string, steps []domain.JobStep) error {
	b, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("op=job.update_steps: %w", err)
	}
	query := `UPDATE jobs SET steps=$3, updated_at=$4 WHERE tenant_id=$1 AND id=$2`
	if _, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, b, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_steps: %w", err)
	}
	return nil
}

// SaveCheckpoint persists the checkpoint without touching the status.
func (r *JobRepo) SaveCheckpoint(ctx context.Context, tenantID, id string, cp domain.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("op=job.save_checkpoint: %w", err)
	}
	query := `UPDATE jobs SET checkpoint=$3, updated_at=$4 WHERE tenant_id=$1 AND id=$2`
	if _, err := q(ctx, r.Pool).Exec(ctx, query, tenantID, id, b, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.save_checkpoint: %w", err)
	}
	return nil
}

// SweepStuck returns jobs RUNNING longer than maxAge to PENDING.
func (r *JobRepo) SweepStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-maxAge)
	query := `UPDATE jobs SET status='PENDING',
		error_message='returned to pending by stuck-job sweeper', updated_at=$2
		WHERE status='RUNNING' AND last_started_at < $1`
	tag, err := q(ctx, r.Pool).Exec(ctx, query, cutoff, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.sweep_stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
