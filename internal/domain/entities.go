// Package domain defines the core entities and ports of the sync pipeline.
//
// Everything here is tenant-scoped: a row is unique within its tenant, never
// globally. Adapters implement the ports; usecases depend only on this
// package.
package domain

import (
	"time"
)

// Tenant tiers determine per-stage worker quotas.
const (
	TierFree     = "free"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Tenant is an isolated customer of the pipeline.
type Tenant struct {
	ID          string
	DisplayName string
	Tier        string
	Active      bool
	CreatedAt   time.Time
}

// WorkerQuota returns the per-stage worker pool size for the tenant's tier.
func (t Tenant) WorkerQuota() int {
	switch t.Tier {
	case TierPremium:
		return 5
	case TierStandard:
		return 3
	default:
		return 1
	}
}

// Provider kinds for integrations.
const (
	ProviderIssues        = "issues"
	ProviderRepos         = "repos"
	ProviderVectorGateway = "vector-gateway"
	ProviderInternal      = "internal"
)

// Integration binds a tenant to one external provider. Credentials are
// sealed at rest; only the keyring can open them.
type Integration struct {
	ID           string
	TenantID     string
	Provider     string
	BaseURL      string
	Credentials  []byte // sealed blob
	Organization string
	Projects     []string
	RepoPatterns []string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobStatus is the job ladder status machine state.
type JobStatus string

const (
	JobReady    JobStatus = "READY"
	JobPending  JobStatus = "PENDING"
	JobRunning  JobStatus = "RUNNING"
	JobFinished JobStatus = "FINISHED"
	JobPaused   JobStatus = "PAUSED"
	JobFailed   JobStatus = "FAILED"
)

// StepState tracks one pipeline stage within one job step.
type StepState string

const (
	StepIdle     StepState = "idle"
	StepRunning  StepState = "running"
	StepFinished StepState = "finished"
	StepFailed   StepState = "failed"
)

// JobStep names a sub-phase of a job and its per-stage status triple.
type JobStep struct {
	Name        string    `json:"name"`
	Order       int       `json:"order"`
	DisplayName string    `json:"display_name"`
	Extraction  StepState `json:"extraction"`
	Transform   StepState `json:"transform"`
	Embedding   StepState `json:"embedding"`
}

// Checkpoint is the resumable extraction state persisted on the job row.
// Keys are stable per step; SubCursors holds per-kind nested cursors
// (e.g. "pr_commits" -> cursor).
type Checkpoint struct {
	LastCursor        string            `json:"last_cursor,omitempty"`
	RateLimitHit      bool              `json:"rate_limit_hit,omitempty"`
	RateLimitResetAt  *time.Time        `json:"rate_limit_reset_at,omitempty"`
	RateLimitNodeType string            `json:"rate_limit_node_type,omitempty"`
	SubCursors        map[string]string `json:"sub_cursors,omitempty"`
	OldLastSyncDate   *time.Time        `json:"old_last_sync_date,omitempty"`
	ExtractionEndDate *time.Time        `json:"extraction_end_date,omitempty"`
}

// IsZero reports whether the checkpoint carries no resumable state.
func (c Checkpoint) IsZero() bool {
	return c.LastCursor == "" && !c.RateLimitHit && c.RateLimitResetAt == nil &&
		c.RateLimitNodeType == "" && len(c.SubCursors) == 0 &&
		c.OldLastSyncDate == nil && c.ExtractionEndDate == nil
}

// Job is one rung of a tenant's ladder. ExecutionOrder is total per tenant;
// at most one job per tenant is RUNNING at any time.
type Job struct {
	ID                  string
	TenantID            string
	IntegrationID       string
	Name                string
	ExecutionOrder      int
	ScheduleIntervalMin int
	RetryIntervalMin    int
	Status              JobStatus
	PrevStatus          JobStatus // effective status before PAUSED
	LastStartedAt       *time.Time
	LastFinishedAt      *time.Time
	LastSuccessAt       *time.Time
	RetryCount          int
	ErrorMessage        string
	Checkpoint          Checkpoint
	Steps               []JobStep
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Raw record statuses.
const (
	RawPending   = "pending"
	RawCompleted = "completed"
	RawFailed    = "failed"
)

// RawRecord is an opaque provider payload captured by the extract stage.
// Exactly one transform message references it until it is completed.
type RawRecord struct {
	ID               string
	TenantID         string
	IntegrationID    string
	PayloadType      string
	Payload          []byte
	Status           string
	ParentExternalID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Normalized table names. The embed stage addresses rows by
// (tenant, table, external_id).
const (
	TableProjects         = "projects"
	TableWorkItems        = "work_items"
	TableChangelogEntries = "changelog_entries"
	TableRepositories     = "repositories"
	TablePullRequests     = "pull_requests"
	TableCommits          = "commits"
	TableReviews          = "reviews"
	TableReviewComments   = "review_comments"
	TableWorkItemPRLinks  = "work_item_pr_links"
)

// Project is a tracker project/board.
type Project struct {
	ID         string
	TenantID   string
	ExternalID string
	Key        string
	Name       string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkItem is a tracker issue.
type WorkItem struct {
	ID                string
	TenantID          string
	ExternalID        string
	ProjectExternalID string
	Key               string
	Type              string
	Status            string
	Title             string
	Description       string
	Assignee          string
	Reporter          string
	Labels            []string
	CreatedExternal   time.Time
	UpdatedExternal   time.Time
	Active            bool
}

// ChangelogEntry is one field transition of a work item.
type ChangelogEntry struct {
	ID                 string
	TenantID           string
	ExternalID         string
	WorkItemExternalID string
	Field              string
	FromValue          string
	ToValue            string
	Author             string
	OccurredAt         time.Time
	Active             bool
}

// Repository is a source-code repository.
type Repository struct {
	ID              string
	TenantID        string
	ExternalID      string
	Name            string
	FullName        string
	DefaultBranch   string
	Description     string
	Archived        bool
	Active          bool
	CreatedExternal time.Time
	UpdatedExternal time.Time
}

// PullRequest carries both raw fields and metrics derived at transform time.
// Metrics are computed from the arrays visible in the current message and
// converge as nested pages arrive (last-writer-wins upsert).
type PullRequest struct {
	ID               string
	TenantID         string
	ExternalID       string
	RepoExternalID   string
	Number           int
	Title            string
	Body             string
	Author           string
	State            string
	SourceBranch     string
	TargetBranch     string
	CreatedExternal  time.Time
	UpdatedExternal  time.Time
	MergedAt         *time.Time
	CommitCount      int
	AuthorSetSize    int
	FirstReviewAt    *time.Time
	ReworkCommits    int
	ReviewCycles     int
	Active           bool
}

// Commit is one commit attached to a pull request.
type Commit struct {
	ID             string
	TenantID       string
	ExternalID     string
	PRExternalID   string
	SHA            string
	Message        string
	Author         string
	AuthoredAt     time.Time
	Additions      int
	Deletions      int
	Active         bool
}

// Review is a pull-request review verdict.
type Review struct {
	ID           string
	TenantID     string
	ExternalID   string
	PRExternalID string
	Author       string
	State        string
	Body         string
	SubmittedAt  time.Time
	Active       bool
}

// ReviewComment is a discussion or review-thread comment on a pull request.
type ReviewComment struct {
	ID           string
	TenantID     string
	ExternalID   string
	PRExternalID string
	Author       string
	Body         string
	Path         string
	PostedAt     time.Time
	Active       bool
}

// WorkItemPRLink joins a tracker work item to a pull request, derived from
// issue keys found in PR titles and source branches.
type WorkItemPRLink struct {
	ID                 string
	TenantID           string
	ExternalID         string // fingerprint of (work item key, pr external id)
	WorkItemKey        string
	PRExternalID       string
	Active             bool
	CreatedAt          time.Time
}

// VectorRef maps a normalized row to a point in a vector collection.
type VectorRef struct {
	ID         string
	TenantID   string
	Table      string
	RowID      string
	Collection string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TenantSettings holds per-tenant orchestrator knobs with config defaults.
type TenantSettings struct {
	TenantID            string
	OrchestratorEnabled bool
	TickIntervalMin     int
	MaxRetryAttempts    int
	EmbedModel          string
	Schedule            string // optional cron expression overriding the interval
}

// Clock abstracts time for the orchestrator and extractors.
type Clock interface {
	Now() time.Time
}
