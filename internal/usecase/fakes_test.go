package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tracefold/engsync/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

type fakeQueue struct {
	mu        sync.Mutex
	published []domain.Message
	dead      []domain.Message
	failWith  error
}

func (q *fakeQueue) Publish(_ context.Context, m domain.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.published = append(q.published, m)
	return nil
}

func (q *fakeQueue) PublishDeadLetter(_ context.Context, m domain.Message, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, m)
	return nil
}

func (q *fakeQueue) byStage(stage string) []domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Message
	for _, m := range q.published {
		if m.Stage == stage {
			out = append(out, m)
		}
	}
	return out
}

// drain pops all published messages so a test can pump them through the
// next stage.
func (q *fakeQueue) drain() []domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.published
	q.published = nil
	return out
}

type fakeJobs struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*domain.Job
}

func newFakeJobs(jobs ...domain.Job) *fakeJobs {
	f := &fakeJobs{jobs: make(map[string]*domain.Job)}
	for i := range jobs {
		j := jobs[i]
		f.jobs[j.ID] = &j
	}
	return f
}

func (f *fakeJobs) get(id string) domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeJobs) Create(_ context.Context, j domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	j.ID = fmt.Sprintf("job-%d", f.seq)
	f.jobs[j.ID] = &j
	return j.ID, nil
}

func (f *fakeJobs) Get(_ context.Context, tenantID, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (f *fakeJobs) GetByName(_ context.Context, tenantID, name string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.TenantID == tenantID && j.Name == name {
			return *j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) ordered(tenantID string, status domain.JobStatus) []*domain.Job {
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.TenantID == tenantID && j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ExecutionOrder < out[k].ExecutionOrder })
	return out
}

func (f *fakeJobs) NextPending(_ context.Context, tenantID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobs := f.ordered(tenantID, domain.JobPending); len(jobs) > 0 {
		return *jobs[0], nil
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) FirstReady(_ context.Context, tenantID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobs := f.ordered(tenantID, domain.JobReady); len(jobs) > 0 {
		return *jobs[0], nil
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) AcquireRun(_ context.Context, tenantID, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.TenantID != tenantID {
		return false, nil
	}
	if j.Status != domain.JobPending && j.Status != domain.JobReady {
		return false, nil
	}
	j.Status = domain.JobRunning
	started := now
	j.LastStartedAt = &started
	return true, nil
}

func (f *fakeJobs) FinishAndPromoteNext(_ context.Context, tenantID, id string, now time.Time) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.TenantID != tenantID || j.Status != domain.JobRunning {
		return domain.Job{}, domain.ErrConflict
	}
	j.Status = domain.JobFinished
	finished := now
	j.LastFinishedAt = &finished
	j.LastSuccessAt = &finished
	j.Checkpoint = domain.Checkpoint{}
	j.ErrorMessage = ""
	j.RetryCount = 0

	var candidates []*domain.Job
	for _, other := range f.jobs {
		if other.TenantID != tenantID || other.ID == id {
			continue
		}
		if other.Status == domain.JobPaused || other.Status == domain.JobRunning {
			continue
		}
		candidates = append(candidates, other)
	}
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		aWrapped := a.ExecutionOrder <= j.ExecutionOrder
		bWrapped := b.ExecutionOrder <= j.ExecutionOrder
		if aWrapped != bWrapped {
			return !aWrapped
		}
		return a.ExecutionOrder < b.ExecutionOrder
	})
	if len(candidates) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	next := candidates[0]
	next.Status = domain.JobPending
	return *next, nil
}

func (f *fakeJobs) ReturnPending(_ context.Context, tenantID, id string, cp domain.Checkpoint, errMsg string, bumpRetry bool, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.TenantID != tenantID {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobRunning {
		return domain.ErrConflict
	}
	j.Status = domain.JobPending
	j.Checkpoint = cp
	j.ErrorMessage = errMsg
	if bumpRetry {
		j.RetryCount++
	}
	finished := now
	j.LastFinishedAt = &finished
	return nil
}

func (f *fakeJobs) Pause(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.TenantID != tenantID || j.Status == domain.JobPaused {
		return domain.ErrConflict
	}
	j.PrevStatus = j.Status
	j.Status = domain.JobPaused
	return nil
}

func (f *fakeJobs) Resume(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.TenantID != tenantID || j.Status != domain.JobPaused {
		return domain.ErrConflict
	}
	j.Status = j.PrevStatus
	return nil
}

func (f *fakeJobs) Trigger(_ context.Context, tenantID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.TenantID == tenantID && j.Name == name {
			if j.Status == domain.JobRunning {
				return domain.ErrConflict
			}
			j.Status = domain.JobPending
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeJobs) Ladder(_ context.Context, tenantID string) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.TenantID == tenantID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ExecutionOrder < out[k].ExecutionOrder })
	return out, nil
}

func (f *fakeJobs) UpdateSteps(_ context.Context, tenantID, id string, steps []domain.JobStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok && j.TenantID == tenantID {
		j.Steps = steps
	}
	return nil
}

func (f *fakeJobs) SaveCheckpoint(_ context.Context, tenantID, id string, cp domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.TenantID != tenantID {
		return domain.ErrNotFound
	}
	j.Checkpoint = cp
	return nil
}

func (f *fakeJobs) SweepStuck(_ context.Context, maxAge time.Duration, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Status == domain.JobRunning && j.LastStartedAt != nil && now.Sub(*j.LastStartedAt) > maxAge {
			j.Status = domain.JobPending
			j.ErrorMessage = "swept"
			n++
		}
	}
	return n, nil
}

type fakeRaw struct {
	mu      sync.Mutex
	seq     int
	records map[string]*domain.RawRecord
}

func newFakeRaw() *fakeRaw { return &fakeRaw{records: make(map[string]*domain.RawRecord)} }

func (f *fakeRaw) Create(_ context.Context, r domain.RawRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	r.ID = fmt.Sprintf("raw-%d", f.seq)
	f.records[r.ID] = &r
	return r.ID, nil
}

func (f *fakeRaw) Get(_ context.Context, tenantID, id string) (domain.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok || r.TenantID != tenantID {
		return domain.RawRecord{}, domain.ErrNotFound
	}
	return *r, nil
}

func (f *fakeRaw) MarkCompleted(_ context.Context, tenantID, id string) error {
	return f.setStatus(tenantID, id, domain.RawCompleted)
}

func (f *fakeRaw) MarkFailed(_ context.Context, tenantID, id string) error {
	return f.setStatus(tenantID, id, domain.RawFailed)
}

func (f *fakeRaw) setStatus(tenantID, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok || r.TenantID != tenantID {
		return domain.ErrNotFound
	}
	r.Status = status
	return nil
}

func (f *fakeRaw) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, r := range f.records {
		if r.Status == domain.RawCompleted && r.CreatedAt.Before(cutoff) {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRaw) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeRows records every upsert in call order so tests can assert
// parent-before-children and per-table counts.
type fakeRows struct {
	mu      sync.Mutex
	seq     int
	order   []string // "<table>:<external_id>" in upsert order
	sources map[string]domain.EmbeddingSource
	prs     map[string]domain.PullRequest
	links   map[string]domain.WorkItemPRLink
}

func newFakeRows() *fakeRows {
	return &fakeRows{
		sources: make(map[string]domain.EmbeddingSource),
		prs:     make(map[string]domain.PullRequest),
		links:   make(map[string]domain.WorkItemPRLink),
	}
}

func (f *fakeRows) key(table, externalID string) string { return table + ":" + externalID }

func (f *fakeRows) record(table, externalID, title, body string, extra []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	rowID := fmt.Sprintf("row-%d", f.seq)
	k := f.key(table, externalID)
	f.order = append(f.order, k)
	f.sources[k] = domain.EmbeddingSource{RowID: rowID, Title: title, Body: body, Extra: extra}
	return rowID, nil
}

// seed makes a row visible to Exists and FetchForEmbedding without going
// through an upsert.
func (f *fakeRows) seed(table, externalID string, src domain.EmbeddingSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[f.key(table, externalID)] = src
}

func (f *fakeRows) countTable(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.order {
		if len(k) > len(table) && k[:len(table)] == table && k[len(table)] == ':' {
			n++
		}
	}
	return n
}

func (f *fakeRows) UpsertProject(_ context.Context, p domain.Project) (string, error) {
	return f.record(domain.TableProjects, p.ExternalID, p.Name, "", nil)
}

func (f *fakeRows) UpsertWorkItem(_ context.Context, w domain.WorkItem) (string, error) {
	return f.record(domain.TableWorkItems, w.ExternalID, w.Title, w.Description, w.Labels)
}

func (f *fakeRows) UpsertChangelogEntry(_ context.Context, e domain.ChangelogEntry) (string, error) {
	return f.record(domain.TableChangelogEntries, e.ExternalID, e.Field, e.ToValue, []string{e.Author})
}

func (f *fakeRows) UpsertRepository(_ context.Context, r domain.Repository) (string, error) {
	return f.record(domain.TableRepositories, r.ExternalID, r.FullName, r.Description, nil)
}

func (f *fakeRows) UpsertPullRequest(_ context.Context, pr domain.PullRequest) (string, error) {
	f.mu.Lock()
	f.prs[pr.ExternalID] = pr
	f.mu.Unlock()
	return f.record(domain.TablePullRequests, pr.ExternalID, pr.Title, pr.Body, nil)
}

func (f *fakeRows) UpsertCommit(_ context.Context, c domain.Commit) (string, error) {
	return f.record(domain.TableCommits, c.ExternalID, c.Message, "", []string{c.Author})
}

func (f *fakeRows) UpsertReview(_ context.Context, r domain.Review) (string, error) {
	return f.record(domain.TableReviews, r.ExternalID, r.State, r.Body, []string{r.Author})
}

func (f *fakeRows) UpsertReviewComment(_ context.Context, c domain.ReviewComment) (string, error) {
	return f.record(domain.TableReviewComments, c.ExternalID, c.Body, "", []string{c.Author})
}

func (f *fakeRows) UpsertWorkItemPRLink(_ context.Context, l domain.WorkItemPRLink) (string, error) {
	f.mu.Lock()
	f.links[l.ExternalID] = l
	f.mu.Unlock()
	return f.record(domain.TableWorkItemPRLinks, l.ExternalID, l.WorkItemKey, "", nil)
}

func (f *fakeRows) Exists(_ context.Context, _, table, externalID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sources[f.key(table, externalID)]
	return ok, nil
}

func (f *fakeRows) FetchForEmbedding(_ context.Context, _, table, externalID string) (domain.EmbeddingSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[f.key(table, externalID)]
	if !ok {
		return domain.EmbeddingSource{}, domain.ErrNotFound
	}
	return src, nil
}

func (f *fakeRows) ListExternalIDs(_ context.Context, _, table string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	prefix := table + ":"
	for k := range f.sources {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type fakeTenants struct{ tenants []domain.Tenant }

func (f fakeTenants) ListActive(context.Context) ([]domain.Tenant, error) { return f.tenants, nil }
func (f fakeTenants) Get(_ context.Context, id string) (domain.Tenant, error) {
	for _, t := range f.tenants {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Tenant{}, domain.ErrNotFound
}

type fakeIntegrations struct{ integs map[string]domain.Integration }

func (f fakeIntegrations) Get(_ context.Context, tenantID, id string) (domain.Integration, error) {
	integ, ok := f.integs[id]
	if !ok || integ.TenantID != tenantID {
		return domain.Integration{}, domain.ErrNotFound
	}
	return integ, nil
}

func (f fakeIntegrations) ListActive(_ context.Context, tenantID string) ([]domain.Integration, error) {
	var out []domain.Integration
	for _, integ := range f.integs {
		if integ.TenantID == tenantID && integ.Active {
			out = append(out, integ)
		}
	}
	return out, nil
}

type fakeSettings struct{ settings map[string]domain.TenantSettings }

func (f fakeSettings) Get(_ context.Context, tenantID string) (domain.TenantSettings, error) {
	if s, ok := f.settings[tenantID]; ok {
		return s, nil
	}
	return domain.TenantSettings{TenantID: tenantID, OrchestratorEnabled: true}, nil
}

type fakeChain struct {
	mu    sync.Mutex
	calls []struct {
		TenantID, JobID string
		RateLimited     bool
	}
}

func (f *fakeChain) CompleteJob(_ context.Context, tenantID, jobID string, rateLimited bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		TenantID, JobID string
		RateLimited     bool
	}{tenantID, jobID, rateLimited})
	return nil
}

type fakeFailer struct {
	mu     sync.Mutex
	failed []error
}

func (f *fakeFailer) FailJob(_ context.Context, _, _ string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, cause)
	return nil
}

// fakeTracker scripts issue pages per cursor; an empty cursor reads the
// first page.
type fakeTracker struct {
	projects []json.RawMessage
	pages    map[string]domain.IssuePage
	err      error
	calls    int
}

func (f *fakeTracker) SearchProjects(context.Context, []string) ([]json.RawMessage, error) {
	f.calls++
	return f.projects, f.err
}

func (f *fakeTracker) SearchIssues(_ context.Context, _ string, _, _ time.Time, cursor string) (domain.IssuePage, error) {
	f.calls++
	if f.err != nil {
		return domain.IssuePage{}, f.err
	}
	return f.pages[cursor], nil
}

func (f *fakeTracker) RateLimit() domain.RateSnapshot {
	return domain.RateSnapshot{Resource: domain.RateResourceCore, Limit: 5000, Remaining: 4000}
}

type fakeRepoHost struct {
	repos      []json.RawMessage
	prPages    map[string]domain.PRPage     // keyed by cursor
	nested     map[string]domain.NestedPage // keyed by kind+"|"+cursor
	err        error
	nestedErrs map[string]error
}

func (f *fakeRepoHost) SearchRepositories(context.Context, string, []string) ([]json.RawMessage, error) {
	return f.repos, f.err
}

func (f *fakeRepoHost) PullRequests(_ context.Context, _, cursor string, _ time.Time) (domain.PRPage, error) {
	if f.err != nil {
		return domain.PRPage{}, f.err
	}
	return f.prPages[cursor], nil
}

func (f *fakeRepoHost) NestedPage(_ context.Context, _, kind, cursor string) (domain.NestedPage, error) {
	if err := f.nestedErrs[kind+"|"+cursor]; err != nil {
		return domain.NestedPage{}, err
	}
	return f.nested[kind+"|"+cursor], nil
}

func (f *fakeRepoHost) RateLimit() domain.RateSnapshot {
	return domain.RateSnapshot{Resource: domain.RateResourceGraphQL, Limit: 5000, Remaining: 4500}
}

type fakeFactory struct {
	tracker  *fakeTracker
	repohost *fakeRepoHost
}

func (f fakeFactory) Tracker(domain.Integration) (domain.TrackerClient, error) {
	return f.tracker, nil
}

func (f fakeFactory) RepoHost(domain.Integration) (domain.RepoHostClient, error) {
	return f.repohost, nil
}

type fakeVectorizer struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

func (f *fakeVectorizer) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeVectorStore struct {
	mu     sync.Mutex
	points map[string][]float32
}

func newFakeVectorStore() *fakeVectorStore { return &fakeVectorStore{points: make(map[string][]float32)} }

func (f *fakeVectorStore) EnsureCollection(context.Context, string, int, string) error { return nil }

func (f *fakeVectorStore) UpsertPoint(_ context.Context, _, id string, vector []float32, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[id] = vector
	return nil
}

func (f *fakeVectorStore) DeletePoint(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, id)
	return nil
}

type fakeVectorRefs struct {
	mu   sync.Mutex
	refs map[string]domain.VectorRef // keyed table|rowID
}

func newFakeVectorRefs() *fakeVectorRefs { return &fakeVectorRefs{refs: make(map[string]domain.VectorRef)} }

func (f *fakeVectorRefs) Upsert(_ context.Context, v domain.VectorRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[v.Table+"|"+v.RowID] = v
	return nil
}

func (f *fakeVectorRefs) Deactivate(_ context.Context, _, table, rowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.refs[table+"|"+rowID]
	v.Active = false
	f.refs[table+"|"+rowID] = v
	return nil
}

func (f *fakeVectorRefs) CountActive(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.refs {
		if v.Active {
			n++
		}
	}
	return n, nil
}
