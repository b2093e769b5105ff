package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracefold/engsync/internal/domain"
)

// applyRepository normalizes one repository search result.
func (s *TransformService) applyRepository(ctx context.Context, rec domain.RawRecord) ([]emittedRow, error) {
	var r struct {
		ID            json.Number `json:"id"`
		Name          string      `json:"name"`
		FullName      string      `json:"full_name"`
		DefaultBranch string      `json:"default_branch"`
		Description   string      `json:"description"`
		Archived      bool        `json:"archived"`
		CreatedAt     string      `json:"created_at"`
		UpdatedAt     string      `json:"updated_at"`
	}
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode repository: %v: %w", err, domain.ErrPermanent)
	}
	if r.ID.String() == "" {
		return nil, fmt.Errorf("repository missing id: %w", domain.ErrPermanent)
	}

	created, _ := parseProviderTime(r.CreatedAt)
	updated, _ := parseProviderTime(r.UpdatedAt)
	externalID := r.ID.String()
	if _, err := s.Rows.UpsertRepository(ctx, domain.Repository{
		TenantID:        rec.TenantID,
		ExternalID:      externalID,
		Name:            r.Name,
		FullName:        r.FullName,
		DefaultBranch:   r.DefaultBranch,
		Description:     r.Description,
		Archived:        r.Archived,
		Active:          true,
		CreatedExternal: created,
		UpdatedExternal: updated,
	}); err != nil {
		return nil, err
	}
	return []emittedRow{{Table: domain.TableRepositories, ExternalID: externalID}}, nil
}

// GraphQL node shapes as selected by the repo-host client.
type prCommitNode struct {
	Commit struct {
		OID          string `json:"oid"`
		Message      string `json:"message"`
		Additions    int    `json:"additions"`
		Deletions    int    `json:"deletions"`
		AuthoredDate string `json:"authoredDate"`
		Author       struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commit"`
}

type prReviewNode struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Body        string `json:"body"`
	SubmittedAt string `json:"submittedAt"`
	Author      struct {
		Login string `json:"login"`
	} `json:"author"`
}

type prCommentNode struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Path      string `json:"path"`
	CreatedAt string `json:"createdAt"`
	Author    struct {
		Login string `json:"login"`
	} `json:"author"`
}

type prThreadNode struct {
	ID       string `json:"id"`
	Comments struct {
		Nodes []prCommentNode `json:"nodes"`
	} `json:"comments"`
}

type prNode struct {
	ID          string `json:"id"`
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	MergedAt    string `json:"mergedAt"`
	BaseRefName string `json:"baseRefName"`
	HeadRefName string `json:"headRefName"`
	Author      struct {
		Login string `json:"login"`
	} `json:"author"`
	Commits struct {
		Nodes []prCommitNode `json:"nodes"`
	} `json:"commits"`
	Reviews struct {
		Nodes []prReviewNode `json:"nodes"`
	} `json:"reviews"`
	Comments struct {
		Nodes []prCommentNode `json:"nodes"`
	} `json:"comments"`
	ReviewThreads struct {
		Nodes []prThreadNode `json:"nodes"`
	} `json:"reviewThreads"`
}

// applyPullRequest upserts the PR row first, then the inlined first pages of
// its commits, reviews, comments, and review-thread comments, plus any
// work-item links derived from issue keys in the title and source branch.
// Metrics derive from the arrays in this payload; later nested pages add
// child rows without shifting them.
func (s *TransformService) applyPullRequest(ctx context.Context, rec domain.RawRecord) ([]emittedRow, error) {
	var pr prNode
	if err := json.Unmarshal(rec.Payload, &pr); err != nil {
		return nil, fmt.Errorf("decode pull request: %v: %w", err, domain.ErrPermanent)
	}
	if pr.ID == "" {
		return nil, fmt.Errorf("pull request missing id: %w", domain.ErrPermanent)
	}

	created, _ := parseProviderTime(pr.CreatedAt)
	updated, _ := parseProviderTime(pr.UpdatedAt)
	row := domain.PullRequest{
		TenantID:        rec.TenantID,
		ExternalID:      pr.ID,
		RepoExternalID:  rec.ParentExternalID,
		Number:          pr.Number,
		Title:           pr.Title,
		Body:            pr.Body,
		Author:          pr.Author.Login,
		State:           pr.State,
		SourceBranch:    pr.HeadRefName,
		TargetBranch:    pr.BaseRefName,
		CreatedExternal: created,
		UpdatedExternal: updated,
		Active:          true,
	}
	if merged, ok := parseProviderTime(pr.MergedAt); ok {
		row.MergedAt = &merged
	}
	applyPRMetrics(&row, pr.Commits.Nodes, pr.Reviews.Nodes)

	if _, err := s.Rows.UpsertPullRequest(ctx, row); err != nil {
		return nil, err
	}
	emitted := []emittedRow{{Table: domain.TablePullRequests, ExternalID: pr.ID}}

	rows, err := s.upsertCommits(ctx, rec.TenantID, pr.ID, pr.Commits.Nodes)
	if err != nil {
		return nil, err
	}
	emitted = append(emitted, rows...)

	rows, err = s.upsertReviews(ctx, rec.TenantID, pr.ID, pr.Reviews.Nodes)
	if err != nil {
		return nil, err
	}
	emitted = append(emitted, rows...)

	comments := pr.Comments.Nodes
	for _, th := range pr.ReviewThreads.Nodes {
		comments = append(comments, th.Comments.Nodes...)
	}
	rows, err = s.upsertComments(ctx, rec.TenantID, pr.ID, comments)
	if err != nil {
		return nil, err
	}
	emitted = append(emitted, rows...)

	rows, err = s.upsertWorkItemLinks(ctx, rec.TenantID, pr.ID, pr.Title, pr.HeadRefName)
	if err != nil {
		return nil, err
	}
	emitted = append(emitted, rows...)

	return emitted, nil
}

// applyNestedPage upserts one continuation page of a nested edge kind. The
// parent PR must already exist; a missing parent skips the page.
func (s *TransformService) applyNestedPage(ctx context.Context, rec domain.RawRecord) ([]emittedRow, error) {
	exists, err := s.Rows.Exists(ctx, rec.TenantID, domain.TablePullRequests, rec.ParentExternalID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("parent pull request %q: %w", rec.ParentExternalID, domain.ErrNotFound)
	}

	switch rec.PayloadType {
	case domain.KindPRCommits:
		var page struct {
			Nodes []prCommitNode `json:"nodes"`
		}
		if err := json.Unmarshal(rec.Payload, &page); err != nil {
			return nil, fmt.Errorf("decode commit page: %v: %w", err, domain.ErrPermanent)
		}
		return s.upsertCommits(ctx, rec.TenantID, rec.ParentExternalID, page.Nodes)
	case domain.KindPRReviews:
		var page struct {
			Nodes []prReviewNode `json:"nodes"`
		}
		if err := json.Unmarshal(rec.Payload, &page); err != nil {
			return nil, fmt.Errorf("decode review page: %v: %w", err, domain.ErrPermanent)
		}
		return s.upsertReviews(ctx, rec.TenantID, rec.ParentExternalID, page.Nodes)
	case domain.KindPRComments:
		var page struct {
			Nodes []prCommentNode `json:"nodes"`
		}
		if err := json.Unmarshal(rec.Payload, &page); err != nil {
			return nil, fmt.Errorf("decode comment page: %v: %w", err, domain.ErrPermanent)
		}
		return s.upsertComments(ctx, rec.TenantID, rec.ParentExternalID, page.Nodes)
	case domain.KindPRThreads:
		var page struct {
			Nodes []prThreadNode `json:"nodes"`
		}
		if err := json.Unmarshal(rec.Payload, &page); err != nil {
			return nil, fmt.Errorf("decode thread page: %v: %w", err, domain.ErrPermanent)
		}
		var comments []prCommentNode
		for _, th := range page.Nodes {
			comments = append(comments, th.Comments.Nodes...)
		}
		return s.upsertComments(ctx, rec.TenantID, rec.ParentExternalID, comments)
	}
	return nil, fmt.Errorf("unknown nested kind %q: %w", rec.PayloadType, domain.ErrPermanent)
}

func (s *TransformService) upsertCommits(ctx context.Context, tenantID, prExternalID string, nodes []prCommitNode) ([]emittedRow, error) {
	var emitted []emittedRow
	for _, n := range nodes {
		if n.Commit.OID == "" {
			continue
		}
		authored, _ := parseProviderTime(n.Commit.AuthoredDate)
		if _, err := s.Rows.UpsertCommit(ctx, domain.Commit{
			TenantID:     tenantID,
			ExternalID:   n.Commit.OID,
			PRExternalID: prExternalID,
			SHA:          n.Commit.OID,
			Message:      n.Commit.Message,
			Author:       n.Commit.Author.Name,
			AuthoredAt:   authored,
			Additions:    n.Commit.Additions,
			Deletions:    n.Commit.Deletions,
			Active:       true,
		}); err != nil {
			return nil, err
		}
		emitted = append(emitted, emittedRow{Table: domain.TableCommits, ExternalID: n.Commit.OID})
	}
	return emitted, nil
}

func (s *TransformService) upsertReviews(ctx context.Context, tenantID, prExternalID string, nodes []prReviewNode) ([]emittedRow, error) {
	var emitted []emittedRow
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		submitted, _ := parseProviderTime(n.SubmittedAt)
		if _, err := s.Rows.UpsertReview(ctx, domain.Review{
			TenantID:     tenantID,
			ExternalID:   n.ID,
			PRExternalID: prExternalID,
			Author:       n.Author.Login,
			State:        n.State,
			Body:         n.Body,
			SubmittedAt:  submitted,
			Active:       true,
		}); err != nil {
			return nil, err
		}
		emitted = append(emitted, emittedRow{Table: domain.TableReviews, ExternalID: n.ID})
	}
	return emitted, nil
}

func (s *TransformService) upsertComments(ctx context.Context, tenantID, prExternalID string, nodes []prCommentNode) ([]emittedRow, error) {
	var emitted []emittedRow
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		posted, _ := parseProviderTime(n.CreatedAt)
		if _, err := s.Rows.UpsertReviewComment(ctx, domain.ReviewComment{
			TenantID:     tenantID,
			ExternalID:   n.ID,
			PRExternalID: prExternalID,
			Author:       n.Author.Login,
			Body:         n.Body,
			Path:         n.Path,
			PostedAt:     posted,
			Active:       true,
		}); err != nil {
			return nil, err
		}
		emitted = append(emitted, emittedRow{Table: domain.TableReviewComments, ExternalID: n.ID})
	}
	return emitted, nil
}

// upsertWorkItemLinks derives tracker links from issue keys found in the PR
// title and source branch. The link's external id is a fingerprint of the
// pair, so re-transforms converge on the same row.
func (s *TransformService) upsertWorkItemLinks(ctx context.Context, tenantID, prExternalID, title, sourceBranch string) ([]emittedRow, error) {
	var emitted []emittedRow
	for _, key := range issueKeysIn(title, sourceBranch) {
		externalID := fingerprint(key, prExternalID)
		if _, err := s.Rows.UpsertWorkItemPRLink(ctx, domain.WorkItemPRLink{
			TenantID:     tenantID,
			ExternalID:   externalID,
			WorkItemKey:  key,
			PRExternalID: prExternalID,
			Active:       true,
		}); err != nil {
			return nil, err
		}
		emitted = append(emitted, emittedRow{Table: domain.TableWorkItemPRLinks, ExternalID: externalID})
	}
	return emitted, nil
}

// applyPRMetrics computes review metrics from the arrays visible in this
// payload. Commit count and author set come from the inlined commit page;
// rework commits are those authored after the first review landed; review
// cycles count change requests.
func applyPRMetrics(row *domain.PullRequest, commits []prCommitNode, reviews []prReviewNode) {
	row.CommitCount = len(commits)

	authors := make(map[string]struct{})
	for _, c := range commits {
		if name := c.Commit.Author.Name; name != "" {
			authors[name] = struct{}{}
		}
	}
	row.AuthorSetSize = len(authors)

	var firstReview *time.Time
	for _, r := range reviews {
		ts, ok := parseProviderTime(r.SubmittedAt)
		if !ok {
			continue
		}
		if firstReview == nil || ts.Before(*firstReview) {
			t := ts
			firstReview = &t
		}
		if r.State == "CHANGES_REQUESTED" {
			row.ReviewCycles++
		}
	}
	row.FirstReviewAt = firstReview

	if firstReview != nil {
		for _, c := range commits {
			if ts, ok := parseProviderTime(c.Commit.AuthoredDate); ok && ts.After(*firstReview) {
				row.ReworkCommits++
			}
		}
	}
}
