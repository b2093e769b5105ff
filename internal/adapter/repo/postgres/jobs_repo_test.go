package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/engsync/internal/domain"
)

// jobRow builds a pgx.Row scanning a minimal job with the given identity.
func jobRow(id string, order int, status domain.JobStatus) pgx.Row {
	now := time.Now().UTC()
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = "t1"
		*(dest[2].(*string)) = "int1"
		*(dest[3].(*string)) = "job-" + id
		*(dest[4].(*int)) = order
		*(dest[5].(*int)) = 60
		*(dest[6].(*int)) = 5
		*(dest[7].(*domain.JobStatus)) = status
		*(dest[8].(*domain.JobStatus)) = status
		// started/finished/success stay nil
		*(dest[12].(*int)) = 0
		*(dest[13].(*string)) = ""
		*(dest[14].(*[]byte)) = []byte(`{}`)
		*(dest[15].(*[]byte)) = []byte(`[]`)
		*(dest[16].(*time.Time)) = now
		*(dest[17].(*time.Time)) = now
		return nil
	}}
}

func TestJobRepo_AcquireRun(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := NewJobRepo(pool)
	ok, err := repo.AcquireRun(ctx, "t1", "j1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, pool.execCalls, 1)
	assert.Contains(t, pool.execCalls[0].sql, "status IN ('PENDING','READY')")

	// Lost race: zero rows affected.
	pool = &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo = NewJobRepo(pool)
	ok, err = repo.AcquireRun(ctx, "t1", "j1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	pool = &fakePool{execErr: assert.AnError}
	repo = NewJobRepo(pool)
	_, err = repo.AcquireRun(ctx, "t1", "j1", now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.acquire_run")
}

func TestJobRepo_FinishAndPromoteNext(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	// CAS returns execution_order 2; the next query returns the job to promote.
	finishRow := rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 2
		return nil
	}}
	tx := &fakeTx{rows: []pgx.Row{finishRow, jobRow("j3", 3, domain.JobFinished)}}
	repo := NewJobRepo(&fakePool{beginTx: tx})

	next, err := repo.FinishAndPromoteNext(ctx, "t1", "j2", now)
	require.NoError(t, err)
	assert.Equal(t, "j3", next.ID)
	assert.Equal(t, domain.JobPending, next.Status)
	assert.True(t, tx.committed)
	require.Len(t, tx.execCalls, 1)
	assert.Contains(t, tx.execCalls[0].sql, "status='PENDING'")
}

func TestJobRepo_FinishAndPromoteNext_AlreadyChained(t *testing.T) {
	// The idempotence guard: CAS finds no RUNNING row.
	finishRow := rowStub{scan: func(...any) error { return pgx.ErrNoRows }}
	tx := &fakeTx{rows: []pgx.Row{finishRow}}
	repo := NewJobRepo(&fakePool{beginTx: tx})

	_, err := repo.FinishAndPromoteNext(context.Background(), "t1", "j2", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBk)
}

func TestJobRepo_FinishAndPromoteNext_SingleJobLadder(t *testing.T) {
	finishRow := rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 1
		return nil
	}}
	noNext := rowStub{scan: func(...any) error { return pgx.ErrNoRows }}
	tx := &fakeTx{rows: []pgx.Row{finishRow, noNext}}
	repo := NewJobRepo(&fakePool{beginTx: tx})

	_, err := repo.FinishAndPromoteNext(context.Background(), "t1", "j1", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	// The finish itself still commits.
	assert.True(t, tx.committed)
}

func TestJobRepo_ReturnPending(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	cp := domain.Checkpoint{LastCursor: "c9", RateLimitHit: true}

	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := NewJobRepo(pool)
	require.NoError(t, repo.ReturnPending(ctx, "t1", "j1", cp, "rate limited", false, now))
	require.Len(t, pool.execCalls, 1)
	assert.Contains(t, pool.execCalls[0].sql, "status='RUNNING'")

	// Not RUNNING anymore: conflict.
	pool = &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo = NewJobRepo(pool)
	err := repo.ReturnPending(ctx, "t1", "j1", cp, "", true, now)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobRepo_PauseResume(t *testing.T) {
	ctx := context.Background()

	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := NewJobRepo(pool)
	require.NoError(t, repo.Pause(ctx, "t1", "j1"))
	assert.Contains(t, pool.execCalls[0].sql, "prev_status=status")

	require.NoError(t, repo.Resume(ctx, "t1", "j1"))
	assert.Contains(t, pool.execCalls[1].sql, "status=prev_status")

	pool = &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo = NewJobRepo(pool)
	assert.ErrorIs(t, repo.Pause(ctx, "t1", "j1"), domain.ErrConflict)
	assert.ErrorIs(t, repo.Resume(ctx, "t1", "j1"), domain.ErrConflict)
}

func TestJobRepo_Trigger(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := NewJobRepo(pool)
	err := repo.Trigger(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &fakePool{row: rowStub{scan: func(...any) error { return pgx.ErrNoRows }}}
	repo := NewJobRepo(pool)
	_, err := repo.Get(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_SweepStuck(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 3")}
	repo := NewJobRepo(pool)
	n, err := repo.SweepStuck(context.Background(), 2*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, pool.execCalls[0].sql, "status='RUNNING'")
}

func TestJobRepo_Create_MarshalsStepsAndCheckpoint(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewJobRepo(pool)
	j := domain.Job{
		TenantID:      "t1",
		IntegrationID: "int1",
		Name:          "tracker-sync",
		Steps: []domain.JobStep{{
			Name: "issues", Order: 1, DisplayName: "Issues",
			Extraction: domain.StepIdle, Transform: domain.StepIdle, Embedding: domain.StepIdle,
		}},
	}
	id, err := repo.Create(context.Background(), j)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, pool.execCalls, 1)
	// Status defaults to READY for a first-ever job.
	found := false
	for _, a := range pool.execCalls[0].args {
		if s, ok := a.(domain.JobStatus); ok && s == domain.JobReady {
			found = true
		}
	}
	assert.True(t, found, "new jobs default to READY")
}

func TestJobRepo_BeginError(t *testing.T) {
	repo := NewJobRepo(&fakePool{beginErr: errors.New("begin")})
	_, err := repo.FinishAndPromoteNext(context.Background(), "t1", "j1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.chain.begin")
}
