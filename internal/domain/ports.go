package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TenantRepository reads tenants.
type TenantRepository interface {
	ListActive(ctx context.Context) ([]Tenant, error)
	Get(ctx context.Context, id string) (Tenant, error)
}

// IntegrationRepository reads integrations within a tenant.
type IntegrationRepository interface {
	Get(ctx context.Context, tenantID, id string) (Integration, error)
	ListActive(ctx context.Context, tenantID string) ([]Integration, error)
}

// SettingsRepository reads per-tenant settings; implementations fall back to
// config defaults for missing rows.
type SettingsRepository interface {
	Get(ctx context.Context, tenantID string) (TenantSettings, error)
}

// JobRepository persists the job ladder. All status transitions live here so
// the optimistic-update SQL stays in one place.
type JobRepository interface {
	Create(ctx context.Context, j Job) (string, error)
	Get(ctx context.Context, tenantID, id string) (Job, error)
	GetByName(ctx context.Context, tenantID, name string) (Job, error)
	// NextPending returns the lowest-ordered PENDING job, ErrNotFound if none.
	NextPending(ctx context.Context, tenantID string) (Job, error)
	// FirstReady returns the lowest-ordered READY job, ErrNotFound if none.
	FirstReady(ctx context.Context, tenantID string) (Job, error)
	// AcquireRun is the linearization point: compare-and-set
	// PENDING|READY -> RUNNING guarded by tenant. False means another
	// process won the race.
	AcquireRun(ctx context.Context, tenantID, id string, now time.Time) (bool, error)
	// FinishAndPromoteNext runs the chaining transaction: CAS
	// RUNNING -> FINISHED (zero rows means already chained), clear
	// checkpoint and error, set last_success, then promote the next
	// non-paused job by execution order (wrapping past the end) to PENDING.
	// The promoted job is returned; ErrNotFound when the ladder has no
	// other eligible job.
	FinishAndPromoteNext(ctx context.Context, tenantID, id string, now time.Time) (Job, error)
	// ReturnPending puts a RUNNING job back to PENDING preserving the
	// checkpoint; used for both rate-limit deferral and FailJob.
	ReturnPending(ctx context.Context, tenantID, id string, cp Checkpoint, errMsg string, bumpRetry bool, now time.Time) error
	Pause(ctx context.Context, tenantID, id string) error
	Resume(ctx context.Context, tenantID, id string) error
	// Trigger sets a job to PENDING from any non-running state.
	Trigger(ctx context.Context, tenantID, name string) error
	Ladder(ctx context.Context, tenantID string) ([]Job, error)
	UpdateSteps(ctx context.Context, tenantID, id string, steps []JobStep) error
	SaveCheckpoint(ctx context.Context, tenantID, id string, cp Checkpoint) error
	// SweepStuck returns jobs RUNNING longer than maxAge to PENDING and
	// reports how many were swept.
	SweepStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error)
}

// RawRepository persists raw extraction payloads.
type RawRepository interface {
	Create(ctx context.Context, r RawRecord) (string, error)
	Get(ctx context.Context, tenantID, id string) (RawRecord, error)
	MarkCompleted(ctx context.Context, tenantID, id string) error
	MarkFailed(ctx context.Context, tenantID, id string) error
	// DeleteCompletedBefore removes completed records older than cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EmbeddingSource is the minimal row projection the embed stage needs.
type EmbeddingSource struct {
	RowID string
	Title string
	Body  string
	Extra []string
}

// RowsRepository upserts normalized rows. Conflict key is
// (tenant_id, external_id) per table; non-key fields are last-writer-wins.
// Every upsert returns the row id for the embed message.
type RowsRepository interface {
	UpsertProject(ctx context.Context, p Project) (string, error)
	UpsertWorkItem(ctx context.Context, w WorkItem) (string, error)
	UpsertChangelogEntry(ctx context.Context, e ChangelogEntry) (string, error)
	UpsertRepository(ctx context.Context, r Repository) (string, error)
	UpsertPullRequest(ctx context.Context, pr PullRequest) (string, error)
	UpsertCommit(ctx context.Context, c Commit) (string, error)
	UpsertReview(ctx context.Context, r Review) (string, error)
	UpsertReviewComment(ctx context.Context, c ReviewComment) (string, error)
	UpsertWorkItemPRLink(ctx context.Context, l WorkItemPRLink) (string, error)
	Exists(ctx context.Context, tenantID, table, externalID string) (bool, error)
	FetchForEmbedding(ctx context.Context, tenantID, table, externalID string) (EmbeddingSource, error)
	ListExternalIDs(ctx context.Context, tenantID, table string) ([]string, error)
}

// VectorRefRepository maintains row -> vector point references.
type VectorRefRepository interface {
	Upsert(ctx context.Context, v VectorRef) error
	Deactivate(ctx context.Context, tenantID, table, rowID string) error
	CountActive(ctx context.Context, tenantID string) (int, error)
}

// TxRunner runs fn inside one database transaction; repository calls made
// with the derived context join it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Queue publishes stage messages onto the tenant's durable queues.
type Queue interface {
	Publish(ctx context.Context, m Message) error
	PublishDeadLetter(ctx context.Context, m Message, reason string) error
}

// IssuePage is one page of tracker issue search results, newest first.
type IssuePage struct {
	Issues     []json.RawMessage
	NextCursor string
	HasNext    bool
}

// TrackerClient is the issue-tracker provider port.
type TrackerClient interface {
	// SearchProjects returns raw project payloads for the configured keys.
	SearchProjects(ctx context.Context, keys []string) ([]json.RawMessage, error)
	// SearchIssues pages issues of a project updated in (since, until],
	// changelog expanded, ordered updated DESC.
	SearchIssues(ctx context.Context, projectKey string, since, until time.Time, cursor string) (IssuePage, error)
	RateLimit() RateSnapshot
}

// PageInfo mirrors GraphQL connection pagination.
type PageInfo struct {
	HasNext   bool
	EndCursor string
}

// PRNode is one pull request with the page info of its inlined nested edge
// collections (first pages inlined, continuations re-enqueued).
type PRNode struct {
	ExternalID string
	Raw        json.RawMessage
	Nested     map[string]PageInfo // keyed by Kind* nested extraction kinds
}

// PRPage is one page of pull requests for a repository.
type PRPage struct {
	PRs  []PRNode
	Page PageInfo
}

// NestedPage is one continuation page of a nested edge collection.
type NestedPage struct {
	Nodes []json.RawMessage
	Page  PageInfo
}

// RepoHostClient is the source-code host provider port.
type RepoHostClient interface {
	// SearchRepositories resolves the org's repositories matching the
	// patterns, smart-batched under the provider URL limit and deduplicated
	// by external id.
	SearchRepositories(ctx context.Context, org string, patterns []string) ([]json.RawMessage, error)
	// PullRequests pages PRs of a repository updated after since, nested
	// first pages inlined.
	PullRequests(ctx context.Context, repoFullName, cursor string, since time.Time) (PRPage, error)
	// NestedPage fetches one continuation page of a nested edge kind.
	NestedPage(ctx context.Context, prExternalID, kind, cursor string) (NestedPage, error)
	RateLimit() RateSnapshot
}

// ClientFactory builds provider clients from an integration's decrypted
// credentials.
type ClientFactory interface {
	Tracker(integ Integration) (TrackerClient, error)
	RepoHost(integ Integration) (RepoHostClient, error)
}

// Vectorizer turns text into vectors. Implementations carry a primary and a
// fallback endpoint; degradation to the fallback emits an event.
type Vectorizer interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// VectorStore is the point store behind vector references.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error
	UpsertPoint(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error
	DeletePoint(ctx context.Context, collection, id string) error
}

// ChainSink is the narrow capability stages use to complete a job; it breaks
// the cycle between stages and the orchestrator.
type ChainSink interface {
	CompleteJob(ctx context.Context, tenantID, jobID string, rateLimited bool) error
}

// ProgressEvent is one observer update; losing it is acceptable.
type ProgressEvent struct {
	TenantID string    `json:"tenant_id"`
	JobID    string    `json:"job_id"`
	Step     string    `json:"step"`
	Stage    string    `json:"stage"`
	Status   StepState `json:"status"`
	Fraction float64   `json:"fraction"`
	At       time.Time `json:"at"`
}

// ProgressSink publishes progress events off the critical path.
type ProgressSink interface {
	Publish(ctx context.Context, ev ProgressEvent)
}

// Keyring seals and opens integration credentials with the process key.
type Keyring interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}
