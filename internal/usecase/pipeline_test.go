package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/engsync/internal/domain"
)

// pipelineRig wires the orchestrator and all three stage services to one
// in-memory queue so a test can run a whole job end to end.
type pipelineRig struct {
	queue   *fakeQueue
	jobs    *fakeJobs
	raw     *fakeRaw
	rows    *fakeRows
	store   *fakeVectorStore
	orch    *Orchestrator
	extract *ExtractService
	trans   *TransformService
	embed   *EmbedService
}

func newPipelineRig(factory fakeFactory, jobs *fakeJobs) *pipelineRig {
	queue := &fakeQueue{}
	raw := newFakeRaw()
	rows := newFakeRows()
	store := newFakeVectorStore()
	integs := fakeIntegrations{integs: map[string]domain.Integration{
		"int-1": {ID: "int-1", TenantID: "t1", Provider: domain.ProviderIssues, Projects: []string{"ENG"}, Active: true},
		"int-2": {ID: "int-2", TenantID: "t1", Provider: domain.ProviderRepos, Organization: "acme", Active: true},
	}}
	clock := fakeClock{t: testNow}

	orch := &Orchestrator{
		Tenants:                 fakeTenants{tenants: []domain.Tenant{{ID: "t1", Tier: domain.TierStandard, Active: true}}},
		Settings:                fakeSettings{},
		Integrations:            integs,
		Jobs:                    jobs,
		Queue:                   queue,
		Clock:                   clock,
		DefaultTickInterval:     time.Minute,
		DefaultMaxRetryAttempts: 5,
	}
	extract := &ExtractService{
		Integrations: integs,
		Jobs:         jobs,
		Raw:          raw,
		Queue:        queue,
		Factory:      factory,
		Failer:       orch,
		Clock:        clock,
	}
	trans := &TransformService{Raw: raw, Rows: rows, Tx: fakeTx{}, Queue: queue, Clock: clock}
	embed := &EmbedService{
		Rows:    rows,
		Vectors: newFakeVectorRefs(),
		Store:   store,
		Gateway: &fakeVectorizer{},
		Chain:   orch,
		Text: func(_ string, src domain.EmbeddingSource) string {
			return src.Title
		},
		Collection:   "engsync",
		DefaultModel: "text-embedding-3-small",
	}
	return &pipelineRig{
		queue: queue, jobs: jobs, raw: raw, rows: rows, store: store,
		orch: orch, extract: extract, trans: trans, embed: embed,
	}
}

// pump routes every queued message to its stage handler until the queue
// settles.
func (r *pipelineRig) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		msgs := r.queue.drain()
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			var err error
			switch m.Stage {
			case domain.StageExtraction:
				err = r.extract.Handle(context.Background(), m)
			case domain.StageTransform:
				err = r.trans.Handle(context.Background(), m)
			case domain.StageEmbed:
				err = r.embed.Handle(context.Background(), m)
			}
			require.NoError(t, err)
		}
	}
	t.Fatal("pipeline did not settle")
}

func TestPipeline_FullTrackerRunChainsOnce(t *testing.T) {
	jobs := newFakeJobs(
		domain.Job{ID: "j1", TenantID: "t1", IntegrationID: "int-1", Name: "issues", Status: domain.JobPending, ExecutionOrder: 1},
		domain.Job{ID: "j2", TenantID: "t1", IntegrationID: "int-2", Name: "repos", Status: domain.JobFinished, ExecutionOrder: 2},
	)
	tracker := &fakeTracker{
		projects: []json.RawMessage{json.RawMessage(`{"id":"p1","key":"ENG","name":"Engineering"}`)},
		pages: map[string]domain.IssuePage{
			"": {Issues: []json.RawMessage{
				issuePayload("1", testNow.Add(-time.Hour)),
				issuePayload("2", testNow.Add(-2*time.Hour)),
			}},
		},
	}
	rig := newPipelineRig(fakeFactory{tracker: tracker}, jobs)

	require.NoError(t, rig.orch.ProcessOneTenant(context.Background(), domain.Tenant{ID: "t1"}))
	assert.Equal(t, domain.JobRunning, jobs.get("j1").Status)
	rig.pump(t)

	// Every extracted record made it all the way to a vector point.
	assert.Equal(t, 1, rig.rows.countTable(domain.TableProjects))
	assert.Equal(t, 2, rig.rows.countTable(domain.TableWorkItems))
	assert.Len(t, rig.store.points, 3)

	// The terminal embed message finished the job and promoted its successor
	// exactly once.
	j1 := jobs.get("j1")
	assert.Equal(t, domain.JobFinished, j1.Status)
	require.NotNil(t, j1.LastSuccessAt)
	assert.Equal(t, domain.JobPending, jobs.get("j2").Status)
}

func TestPipeline_RateLimitDefersJobWithCheckpoint(t *testing.T) {
	jobs := newFakeJobs(
		domain.Job{ID: "j1", TenantID: "t1", IntegrationID: "int-1", Name: "issues", Status: domain.JobPending, ExecutionOrder: 1},
	)
	tracker := &fakeTracker{err: &domain.RateLimitError{
		Resource: domain.RateResourceCore,
		ResetAt:  testNow.Add(30 * time.Minute),
		NodeType: "projects",
	}}
	rig := newPipelineRig(fakeFactory{tracker: tracker}, jobs)

	require.NoError(t, rig.orch.ProcessOneTenant(context.Background(), domain.Tenant{ID: "t1"}))
	rig.pump(t)

	// The run deferred instead of finishing; the checkpoint survives for the
	// next tick and no success timestamp was written.
	j1 := jobs.get("j1")
	assert.Equal(t, domain.JobPending, j1.Status)
	assert.Nil(t, j1.LastSuccessAt)
	assert.True(t, j1.Checkpoint.RateLimitHit)
	assert.Equal(t, domain.KindTrackerProjects, j1.Checkpoint.SubCursors["kind"])
	assert.Empty(t, rig.store.points)
}

func TestPipeline_RepoHostRunWithNestedContinuation(t *testing.T) {
	jobs := newFakeJobs(
		domain.Job{ID: "j1", TenantID: "t1", IntegrationID: "int-2", Name: "repos", Status: domain.JobReady, ExecutionOrder: 1},
	)
	host := &fakeRepoHost{
		repos: []json.RawMessage{json.RawMessage(`{"id":11,"full_name":"acme/api"}`)},
		prPages: map[string]domain.PRPage{
			"": {PRs: []domain.PRNode{{
				ExternalID: "PR_1",
				Raw:        prPayload(),
				Nested: map[string]domain.PageInfo{
					domain.KindPRCommits: {HasNext: true, EndCursor: "c-100"},
				},
			}}},
		},
		nested: map[string]domain.NestedPage{
			domain.KindPRCommits + "|c-100": {
				Nodes: []json.RawMessage{json.RawMessage(`{"commit":{"oid":"sha9","author":{"name":"Kim"}}}`)},
			},
		},
	}
	rig := newPipelineRig(fakeFactory{repohost: host}, jobs)

	require.NoError(t, rig.orch.ProcessOneTenant(context.Background(), domain.Tenant{ID: "t1"}))
	rig.pump(t)

	assert.Equal(t, 1, rig.rows.countTable(domain.TableRepositories))
	assert.Equal(t, 1, rig.rows.countTable(domain.TablePullRequests))
	// Three inlined commits plus one from the continuation page.
	assert.Equal(t, 4, rig.rows.countTable(domain.TableCommits))
	assert.Equal(t, domain.JobFinished, jobs.get("j1").Status)
}
