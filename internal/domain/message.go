package domain

import "time"

// Stage names. Queues are named "<stage>.<tenant>".
const (
	StageExtraction = "extraction"
	StageTransform  = "transform"
	StageEmbed      = "embed"
)

// Extraction kinds.
const (
	KindTrackerProjects = "tracker_projects"
	KindTrackerIssues   = "tracker_issues"
	KindRepositories    = "repositories"
	KindPullRequests    = "pull_requests"
	KindPRCommits       = "pr_commits"
	KindPRReviews       = "pr_reviews"
	KindPRComments      = "pr_comments"
	KindPRThreads       = "pr_threads"
)

// Flags are the terminal control flags of the message protocol. For every
// message with Last (resp. LastJob) entering a stage, the stage emits
// exactly one outbound message with Last (resp. LastJob), produced after all
// outbound messages caused by non-terminal predecessors.
type Flags struct {
	First       bool `json:"first_item"`
	Last        bool `json:"last_item"`
	LastJob     bool `json:"last_job_item"`
	RateLimited bool `json:"rate_limited,omitempty"`
}

// Message is the envelope carried on every queue, self-describing JSON.
// RawDataID is set on transform messages referencing a raw record;
// ExternalID/Table address a normalized row on embed messages. A completion
// message has RawDataID (or ExternalID) nil and exists only to carry flags.
type Message struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	IntegrationID string `json:"integration_id"`
	JobID         string `json:"job_id"`
	Provider      string `json:"provider"`
	Step          string `json:"step"`
	Stage         string `json:"stage"`
	Kind          string `json:"kind,omitempty"`

	Flags Flags `json:"flags"`

	// Extraction parameters.
	Cursor           string     `json:"cursor,omitempty"`
	ParentExternalID string     `json:"parent_external_id,omitempty"`
	ProjectKey       string     `json:"project_key,omitempty"`
	RepoFullName     string     `json:"repo_full_name,omitempty"`
	OldLastSyncDate  *time.Time `json:"old_last_sync_date,omitempty"`
	// ExtractionEndDate is stamped once on the seed message and copied
	// verbatim by every fan-out; the sync boundary is frozen at run start.
	ExtractionEndDate *time.Time `json:"extraction_end_date,omitempty"`

	// Transform parameters.
	RawDataID *string `json:"raw_data_id,omitempty"`

	// Embed parameters.
	Table      string  `json:"table,omitempty"`
	ExternalID *string `json:"external_id,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// IsCompletion reports whether the message is a pure terminal-flag carrier.
func (m Message) IsCompletion() bool {
	switch m.Stage {
	case StageTransform:
		return m.RawDataID == nil
	case StageEmbed:
		return m.ExternalID == nil
	}
	return false
}
