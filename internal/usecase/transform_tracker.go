package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tracefold/engsync/internal/domain"
)

// applyProject normalizes one tracker project payload.
func (s *TransformService) applyProject(ctx context.Context, rec domain.RawRecord) ([]emittedRow, error) {
	var p struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode project: %v: %w", err, domain.ErrPermanent)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("project missing id: %w", domain.ErrPermanent)
	}
	if _, err := s.Rows.UpsertProject(ctx, domain.Project{
		TenantID:   rec.TenantID,
		ExternalID: p.ID,
		Key:        p.Key,
		Name:       p.Name,
		Active:     true,
	}); err != nil {
		return nil, err
	}
	return []emittedRow{{Table: domain.TableProjects, ExternalID: p.ID}}, nil
}

// trackerIssue is the tracker's issue shape with changelog expanded. Only
// the fields the normalized schema carries are decoded; the rest of the
// payload stays opaque.
type trackerIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Assignee struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Reporter struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Labels  []string `json:"labels"`
		Created string   `json:"created"`
		Updated string   `json:"updated"`
		Project struct {
			ID string `json:"id"`
		} `json:"project"`
	} `json:"fields"`
	Changelog struct {
		Histories []struct {
			ID     string `json:"id"`
			Author struct {
				DisplayName string `json:"displayName"`
			} `json:"author"`
			Created string `json:"created"`
			Items   []struct {
				Field      string `json:"field"`
				FromString string `json:"fromString"`
				ToString   string `json:"toString"`
			} `json:"items"`
		} `json:"histories"`
	} `json:"changelog"`
}

// applyIssue upserts the work item first, then its changelog entries; the
// changelog rides inlined on the issue payload, so both land in the same
// transaction.
func (s *TransformService) applyIssue(ctx context.Context, rec domain.RawRecord) ([]emittedRow, error) {
	var issue trackerIssue
	if err := json.Unmarshal(rec.Payload, &issue); err != nil {
		return nil, fmt.Errorf("decode issue: %v: %w", err, domain.ErrPermanent)
	}
	if issue.ID == "" {
		return nil, fmt.Errorf("issue missing id: %w", domain.ErrPermanent)
	}

	created, _ := parseProviderTime(issue.Fields.Created)
	updated, _ := parseProviderTime(issue.Fields.Updated)
	if _, err := s.Rows.UpsertWorkItem(ctx, domain.WorkItem{
		TenantID:          rec.TenantID,
		ExternalID:        issue.ID,
		ProjectExternalID: issue.Fields.Project.ID,
		Key:               issue.Key,
		Type:              issue.Fields.IssueType.Name,
		Status:            issue.Fields.Status.Name,
		Title:             issue.Fields.Summary,
		Description:       issue.Fields.Description,
		Assignee:          issue.Fields.Assignee.DisplayName,
		Reporter:          issue.Fields.Reporter.DisplayName,
		Labels:            issue.Fields.Labels,
		CreatedExternal:   created,
		UpdatedExternal:   updated,
		Active:            true,
	}); err != nil {
		return nil, err
	}
	emitted := []emittedRow{{Table: domain.TableWorkItems, ExternalID: issue.ID}}

	for _, h := range issue.Changelog.Histories {
		occurred, _ := parseProviderTime(h.Created)
		for i, item := range h.Items {
			externalID := fmt.Sprintf("%s:%d", h.ID, i)
			if _, err := s.Rows.UpsertChangelogEntry(ctx, domain.ChangelogEntry{
				TenantID:           rec.TenantID,
				ExternalID:         externalID,
				WorkItemExternalID: issue.ID,
				Field:              item.Field,
				FromValue:          item.FromString,
				ToValue:            item.ToString,
				Author:             h.Author.DisplayName,
				OccurredAt:         occurred,
				Active:             true,
			}); err != nil {
				return nil, err
			}
			emitted = append(emitted, emittedRow{Table: domain.TableChangelogEntries, ExternalID: externalID})
		}
	}
	return emitted, nil
}
