package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracefold/engsync/internal/domain"
)

// nestedKindOrder fixes the fan-out order of nested continuation branches so
// terminal-flag placement is deterministic.
var nestedKindOrder = []string{
	domain.KindPRCommits,
	domain.KindPRReviews,
	domain.KindPRComments,
	domain.KindPRThreads,
}

// extractRepositories handles the repo-host seed: resolve the org's
// repositories by pattern search, store one raw record each, then fan out
// one pull-request branch per repository.
func (s *ExtractService) extractRepositories(ctx context.Context, m domain.Message, integ domain.Integration) error {
	client, err := s.Factory.RepoHost(integ)
	if err != nil {
		return err
	}
	repos, err := client.SearchRepositories(ctx, integ.Organization, integ.RepoPatterns)
	s.recordBudget(ctx, integ.ID, client.RateLimit())
	if err != nil {
		return err
	}

	if len(repos) == 0 {
		if domain.ShouldComplete(m.Flags) {
			return s.publishCompletion(ctx, m, false)
		}
		return nil
	}

	children, follow := domain.SplitFlags(m.Flags, len(repos), true)
	type repoRef struct{ id, fullName string }
	refs := make([]repoRef, len(repos))
	for i, r := range repos {
		var probe struct {
			ID       json.Number `json:"id"`
			FullName string      `json:"full_name"`
		}
		if err := json.Unmarshal(r, &probe); err != nil || probe.FullName == "" {
			return fmt.Errorf("op=extract.repositories: repository payload missing full_name: %w", domain.ErrPermanent)
		}
		refs[i] = repoRef{id: probe.ID.String(), fullName: probe.FullName}
		if err := s.storeAndPublish(ctx, m, domain.KindRepositories, r, "", children[i]); err != nil {
			return err
		}
	}

	prFlags, _ := domain.SplitFlags(follow, len(repos), false)
	for i, ref := range refs {
		// The PR branch carries the repo's external id as the parent so PR
		// rows reference the repository row, not its display name.
		fm := s.followUpMessage(m, domain.KindPullRequests, "", ref.id, prFlags[i])
		fm.RepoFullName = ref.fullName
		if err := s.Queue.Publish(ctx, fm); err != nil {
			return err
		}
	}
	return nil
}

// extractPullRequests handles one page of a repository's pull requests. Each
// PR's first nested pages arrive inlined in its payload; any nested edge
// with more pages becomes its own continuation branch. The next PR page,
// when present, is the branch that carries the terminal bits onward.
func (s *ExtractService) extractPullRequests(ctx context.Context, m domain.Message, integ domain.Integration) error {
	client, err := s.Factory.RepoHost(integ)
	if err != nil {
		return err
	}
	since := derefTime(m.OldLastSyncDate)
	page, err := client.PullRequests(ctx, m.RepoFullName, m.Cursor, since)
	s.recordBudget(ctx, integ.ID, client.RateLimit())
	if err != nil {
		return err
	}

	kept, terminated := filterPRsBySince(page.PRs, since)
	if terminated {
		slog.Debug("pull request scan hit incremental boundary",
			slog.String("tenant_id", m.TenantID),
			slog.String("repo", m.RepoFullName))
	}

	type continuation struct {
		kind   string
		parent string
		cursor string
	}
	var followUps []continuation
	for _, pr := range kept {
		for _, kind := range nestedKindOrder {
			if pi, ok := pr.Nested[kind]; ok && pi.HasNext {
				followUps = append(followUps, continuation{kind: kind, parent: pr.ExternalID, cursor: pi.EndCursor})
			}
		}
	}
	if page.Page.HasNext && !terminated {
		followUps = append(followUps, continuation{kind: domain.KindPullRequests, parent: m.ParentExternalID, cursor: page.Page.EndCursor})
	}

	children, follow := domain.SplitFlags(m.Flags, len(kept), len(followUps) > 0)
	for i, pr := range kept {
		if err := s.storeAndPublish(ctx, m, domain.KindPullRequests, pr.Raw, m.ParentExternalID, children[i]); err != nil {
			return err
		}
	}

	if len(followUps) > 0 {
		flags, _ := domain.SplitFlags(follow, len(followUps), false)
		for i, f := range followUps {
			if err := s.Queue.Publish(ctx, s.followUpMessage(m, f.kind, f.cursor, f.parent, flags[i])); err != nil {
				return err
			}
		}
		return nil
	}
	if len(kept) == 0 && domain.ShouldComplete(m.Flags) {
		return s.publishCompletion(ctx, m, false)
	}
	return nil
}

// extractNestedPage handles one continuation page of a nested edge kind
// (commits, reviews, comments, review threads). The whole page becomes one
// raw record keyed by the parent PR's external id.
func (s *ExtractService) extractNestedPage(ctx context.Context, m domain.Message, integ domain.Integration) error {
	client, err := s.Factory.RepoHost(integ)
	if err != nil {
		return err
	}
	page, err := client.NestedPage(ctx, m.ParentExternalID, m.Kind, m.Cursor)
	s.recordBudget(ctx, integ.ID, client.RateLimit())
	if err != nil {
		return err
	}

	k := 0
	if len(page.Nodes) > 0 {
		k = 1
	}
	children, follow := domain.SplitFlags(m.Flags, k, page.Page.HasNext)
	if k == 1 {
		payload, err := json.Marshal(struct {
			Nodes []json.RawMessage `json:"nodes"`
		}{Nodes: page.Nodes})
		if err != nil {
			return fmt.Errorf("op=extract.nested: %w", err)
		}
		if err := s.storeAndPublish(ctx, m, m.Kind, payload, m.ParentExternalID, children[0]); err != nil {
			return err
		}
	}
	if page.Page.HasNext {
		return s.Queue.Publish(ctx, s.followUpMessage(m, m.Kind, page.Page.EndCursor, m.ParentExternalID, follow))
	}
	if k == 0 && domain.ShouldComplete(m.Flags) {
		return s.publishCompletion(ctx, m, false)
	}
	return nil
}

// filterPRsBySince truncates an updated-DESC PR page at the incremental
// boundary. Seeing one PR at or before the boundary means every later PR is
// older too, so the page and its pagination stop there.
func filterPRsBySince(prs []domain.PRNode, since time.Time) (kept []domain.PRNode, terminated bool) {
	if since.IsZero() {
		return prs, false
	}
	for _, pr := range prs {
		var probe struct {
			UpdatedAt string `json:"updatedAt"`
		}
		if err := json.Unmarshal(pr.Raw, &probe); err == nil {
			if ts, ok := parseProviderTime(probe.UpdatedAt); ok && !ts.After(since) {
				return kept, true
			}
		}
		kept = append(kept, pr)
	}
	return kept, false
}
