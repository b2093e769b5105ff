package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tracefold/engsync/internal/domain"
)

// extractTrackerProjects handles the tracker seed: resolve the configured
// projects, store one raw record each, then fan out one issue-extraction
// branch per project. The seed's terminal bits relay onto the last issue
// branch; the first project's transform message carries first_item.
func (s *ExtractService) extractTrackerProjects(ctx context.Context, m domain.Message, integ domain.Integration) error {
	client, err := s.Factory.Tracker(integ)
	if err != nil {
		return err
	}
	projects, err := client.SearchProjects(ctx, integ.Projects)
	s.recordBudget(ctx, integ.ID, client.RateLimit())
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		if domain.ShouldComplete(m.Flags) {
			return s.publishCompletion(ctx, m, false)
		}
		return nil
	}

	children, follow := domain.SplitFlags(m.Flags, len(projects), true)
	keys := make([]string, len(projects))
	for i, p := range projects {
		var probe struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(p, &probe); err != nil || probe.Key == "" {
			return fmt.Errorf("op=extract.tracker_projects: project payload missing key: %w", domain.ErrPermanent)
		}
		keys[i] = probe.Key
		if err := s.storeAndPublish(ctx, m, domain.KindTrackerProjects, p, "", children[i]); err != nil {
			return err
		}
	}

	issueFlags, _ := domain.SplitFlags(follow, len(projects), false)
	for i, key := range keys {
		fm := s.followUpMessage(m, domain.KindTrackerIssues, "", "", issueFlags[i])
		fm.ProjectKey = key
		if err := s.Queue.Publish(ctx, fm); err != nil {
			return err
		}
	}
	return nil
}

// extractTrackerIssues handles one page of a project's issue search. Results
// arrive updated-DESC; the first issue at or before old_last_sync_date ends
// the incremental scan and suppresses the next-page follow-up.
func (s *ExtractService) extractTrackerIssues(ctx context.Context, m domain.Message, integ domain.Integration) error {
	client, err := s.Factory.Tracker(integ)
	if err != nil {
		return err
	}
	since := derefTime(m.OldLastSyncDate)
	until := derefTime(m.ExtractionEndDate)
	page, err := client.SearchIssues(ctx, m.ProjectKey, since, until, m.Cursor)
	s.recordBudget(ctx, integ.ID, client.RateLimit())
	if err != nil {
		return err
	}

	kept, terminated := filterBySince(page.Issues, since, issueUpdatedAt)
	if terminated {
		slog.Debug("issue scan hit incremental boundary",
			slog.String("tenant_id", m.TenantID),
			slog.String("project_key", m.ProjectKey))
	}

	followUp := page.HasNext && !terminated
	children, follow := domain.SplitFlags(m.Flags, len(kept), followUp)
	for i, issue := range kept {
		if err := s.storeAndPublish(ctx, m, domain.KindTrackerIssues, issue, m.ProjectKey, children[i]); err != nil {
			return err
		}
	}
	if followUp {
		return s.Queue.Publish(ctx, s.followUpMessage(m, domain.KindTrackerIssues, page.NextCursor, "", follow))
	}
	if len(kept) == 0 && domain.ShouldComplete(m.Flags) {
		return s.publishCompletion(ctx, m, false)
	}
	return nil
}

func issueUpdatedAt(raw json.RawMessage) (t updatedProbe) {
	var probe struct {
		Fields struct {
			Updated string `json:"updated"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return updatedProbe{}
	}
	ts, ok := parseProviderTime(probe.Fields.Updated)
	return updatedProbe{At: ts, Known: ok}
}
