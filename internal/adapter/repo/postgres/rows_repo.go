package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/tracefold/engsync/internal/domain"
)

// RowsRepo upserts normalized rows. Conflict key is (tenant_id, external_id)
// per table; non-key fields are last-writer-wins. Upserts return the row id
// so the transform stage can address the embed message.
type RowsRepo struct{ Pool PgxPool }

// NewRowsRepo constructs a RowsRepo with the given pool.
func NewRowsRepo(p PgxPool) *RowsRepo { return &RowsRepo{Pool: p} }

func (r *RowsRepo) upsertRow(ctx context.Context, op, query string, args ...any) (string, error) {
	tracer := otel.Tracer("repo.rows")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	var id string
	if err := q(ctx, r.Pool).QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}
	return id, nil
}

// UpsertProject writes a tracker project.
func (r *RowsRepo) UpsertProject(ctx context.Context, p domain.Project) (string, error) {
	query := `INSERT INTO projects (id, tenant_id, external_id, project_key, name, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,true,$6,$6)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			project_key=EXCLUDED.project_key, name=EXCLUDED.name,
			active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_project", query,
		uuid.New().String(), p.TenantID, p.ExternalID, p.Key, p.Name, time.Now().UTC())
}

// UpsertWorkItem writes a tracker issue.
func (r *RowsRepo) UpsertWorkItem(ctx context.Context, w domain.WorkItem) (string, error) {
	query := `INSERT INTO work_items (id, tenant_id, external_id, project_external_id,
			item_key, item_type, status, title, description, assignee, reporter, labels,
			created_external, updated_external, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,true,$15)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			project_external_id=EXCLUDED.project_external_id, item_key=EXCLUDED.item_key,
			item_type=EXCLUDED.item_type, status=EXCLUDED.status, title=EXCLUDED.title,
			description=EXCLUDED.description, assignee=EXCLUDED.assignee,
			reporter=EXCLUDED.reporter, labels=EXCLUDED.labels,
			updated_external=EXCLUDED.updated_external, active=EXCLUDED.active,
			updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_work_item", query,
		uuid.New().String(), w.TenantID, w.ExternalID, w.ProjectExternalID, w.Key, w.Type,
		w.Status, w.Title, w.Description, w.Assignee, w.Reporter, w.Labels,
		w.CreatedExternal.UTC(), w.UpdatedExternal.UTC(), time.Now().UTC())
}

// UpsertChangelogEntry writes one work-item field transition.
func (r *RowsRepo) UpsertChangelogEntry(ctx context.Context, e domain.ChangelogEntry) (string, error) {
	query := `INSERT INTO changelog_entries (id, tenant_id, external_id, work_item_external_id,
			field, from_value, to_value, author, occurred_at, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true,$10)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			field=EXCLUDED.field, from_value=EXCLUDED.from_value, to_value=EXCLUDED.to_value,
			author=EXCLUDED.author, occurred_at=EXCLUDED.occurred_at,
			active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_changelog_entry", query,
		uuid.New().String(), e.TenantID, e.ExternalID, e.WorkItemExternalID,
		e.Field, e.FromValue, e.ToValue, e.Author, e.OccurredAt.UTC(), time.Now().UTC())
}

// UpsertRepository writes a source repository.
func (r *RowsRepo) UpsertRepository(ctx context.Context, rep domain.Repository) (string, error) {
	query := `INSERT INTO repositories (id, tenant_id, external_id, name, full_name,
			default_branch, description, archived, created_external, updated_external, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true,$11)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			name=EXCLUDED.name, full_name=EXCLUDED.full_name,
			default_branch=EXCLUDED.default_branch, description=EXCLUDED.description,
			archived=EXCLUDED.archived, updated_external=EXCLUDED.updated_external,
			active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_repository", query,
		uuid.New().String(), rep.TenantID, rep.ExternalID, rep.Name, rep.FullName,
		rep.DefaultBranch, rep.Description, rep.Archived,
		rep.CreatedExternal.UTC(), rep.UpdatedExternal.UTC(), time.Now().UTC())
}

// UpsertPullRequest writes a pull request with its derived metrics. Later
// nested pages re-upsert the row, so metrics converge last-writer-wins.
func (r *RowsRepo) UpsertPullRequest(ctx context.Context, pr domain.PullRequest) (string, error) {
	query := `INSERT INTO pull_requests (id, tenant_id, external_id, repo_external_id, number,
			title, body, author, state, source_branch, target_branch, created_external,
			updated_external, merged_at, commit_count, author_set_size, first_review_at,
			rework_commits, review_cycles, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,true,$20)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			repo_external_id=EXCLUDED.repo_external_id, number=EXCLUDED.number,
			title=EXCLUDED.title, body=EXCLUDED.body, author=EXCLUDED.author,
			state=EXCLUDED.state, source_branch=EXCLUDED.source_branch,
			target_branch=EXCLUDED.target_branch, updated_external=EXCLUDED.updated_external,
			merged_at=EXCLUDED.merged_at, commit_count=EXCLUDED.commit_count,
			author_set_size=EXCLUDED.author_set_size, first_review_at=EXCLUDED.first_review_at,
			rework_commits=EXCLUDED.rework_commits, review_cycles=EXCLUDED.review_cycles,
			active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_pull_request", query,
		uuid.New().String(), pr.TenantID, pr.ExternalID, pr.RepoExternalID, pr.Number,
		pr.Title, pr.Body, pr.Author, pr.State, pr.SourceBranch, pr.TargetBranch,
		pr.CreatedExternal.UTC(), pr.UpdatedExternal.UTC(), pr.MergedAt,
		pr.CommitCount, pr.AuthorSetSize, pr.FirstReviewAt, pr.ReworkCommits,
		pr.ReviewCycles, time.Now().UTC())
}

// UpsertCommit writes one PR commit.
func (r *RowsRepo) UpsertCommit(ctx context.Context, c domain.Commit) (string, error) {
	query := `INSERT INTO commits (id, tenant_id, external_id, pr_external_id, sha,
			message, author, authored_at, additions, deletions, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true,$11)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			pr_external_id=EXCLUDED.pr_external_id, sha=EXCLUDED.sha,
			message=EXCLUDED.message, author=EXCLUDED.author,
			authored_at=EXCLUDED.authored_at, additions=EXCLUDED.additions,
			deletions=EXCLUDED.deletions, active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_commit", query,
		uuid.New().String(), c.TenantID, c.ExternalID, c.PRExternalID, c.SHA,
		c.Message, c.Author, c.AuthoredAt.UTC(), c.Additions, c.Deletions, time.Now().UTC())
}

// UpsertReview writes one PR review.
func (r *RowsRepo) UpsertReview(ctx context.Context, rv domain.Review) (string, error) {
	query := `INSERT INTO reviews (id, tenant_id, external_id, pr_external_id, author,
			state, body, submitted_at, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true,$9)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			pr_external_id=EXCLUDED.pr_external_id, author=EXCLUDED.author,
			state=EXCLUDED.state, body=EXCLUDED.body, submitted_at=EXCLUDED.submitted_at,
			active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_review", query,
		uuid.New().String(), rv.TenantID, rv.ExternalID, rv.PRExternalID, rv.Author,
		rv.State, rv.Body, rv.SubmittedAt.UTC(), time.Now().UTC())
}

// UpsertReviewComment writes one PR discussion or review-thread comment.
func (r *RowsRepo) UpsertReviewComment(ctx context.Context, c domain.ReviewComment) (string, error) {
	query := `INSERT INTO review_comments (id, tenant_id, external_id, pr_external_id,
			author, body, path, posted_at, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true,$9)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			pr_external_id=EXCLUDED.pr_external_id, author=EXCLUDED.author,
			body=EXCLUDED.body, path=EXCLUDED.path, posted_at=EXCLUDED.posted_at,
			active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_review_comment", query,
		uuid.New().String(), c.TenantID, c.ExternalID, c.PRExternalID,
		c.Author, c.Body, c.Path, c.PostedAt.UTC(), time.Now().UTC())
}

// UpsertWorkItemPRLink writes one work-item-to-PR join row.
func (r *RowsRepo) UpsertWorkItemPRLink(ctx context.Context, l domain.WorkItemPRLink) (string, error) {
	query := `INSERT INTO work_item_pr_links (id, tenant_id, external_id, work_item_key,
			pr_external_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,true,$6)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			work_item_key=EXCLUDED.work_item_key, pr_external_id=EXCLUDED.pr_external_id,
			active=EXCLUDED.active
		RETURNING id`
	return r.upsertRow(ctx, "rows.upsert_work_item_pr_link", query,
		uuid.New().String(), l.TenantID, l.ExternalID, l.WorkItemKey, l.PRExternalID, time.Now().UTC())
}

// Exists reports whether a row with the external id exists in the table.
func (r *RowsRepo) Exists(ctx context.Context, tenantID, table, externalID string) (bool, error) {
	query, err := existsQuery(table)
	if err != nil {
		return false, err
	}
	var found bool
	if err := q(ctx, r.Pool).QueryRow(ctx, query, tenantID, externalID).Scan(&found); err != nil {
		return false, fmt.Errorf("op=rows.exists: %w", err)
	}
	return found, nil
}

// existsQuery builds the per-table existence probe. Table names come from
// the domain constants, never from user input.
func existsQuery(table string) (string, error) {
	if !validTable(table) {
		return "", fmt.Errorf("op=rows.exists: table %q: %w", table, domain.ErrInvalidArgument)
	}
	return `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE tenant_id=$1 AND external_id=$2)`, nil
}

func validTable(table string) bool {
	switch table {
	case domain.TableProjects, domain.TableWorkItems, domain.TableChangelogEntries,
		domain.TableRepositories, domain.TablePullRequests, domain.TableCommits,
		domain.TableReviews, domain.TableReviewComments, domain.TableWorkItemPRLinks:
		return true
	}
	return false
}

// FetchForEmbedding loads the minimal projection the embed stage turns into
// canonical text.
func (r *RowsRepo) FetchForEmbedding(ctx context.Context, tenantID, table, externalID string) (domain.EmbeddingSource, error) {
	var query string
	switch table {
	case domain.TableProjects:
		query = `SELECT id, name, project_key, ARRAY[]::text[] FROM projects WHERE tenant_id=$1 AND external_id=$2`
	case domain.TableWorkItems:
		query = `SELECT id, title, description, ARRAY[item_type, status, assignee] FROM work_items WHERE tenant_id=$1 AND external_id=$2`
	case domain.TableChangelogEntries:
		query = `SELECT id, field, from_value || ' -> ' || to_value, ARRAY[author] FROM changelog_entries WHERE tenant_id=$1 AND external_id=$2`
	case domain.TableRepositories:
		query = `SELECT id, full_name, description, ARRAY[default_branch] FROM repositories WHERE tenant_id=$1 AND external_id=$2`
	case domain.TablePullRequests:
		query = `SELECT id, title, body, ARRAY[author, state, source_branch] FROM pull_requests WHERE tenant_id=$1 AND external_id=$2`
	case domain.TableCommits:
		query = `SELECT id, sha, message, ARRAY[author] FROM commits WHERE tenant_id=$1 AND external_id=$2`
	case domain.TableReviews:
		query = `SELECT id, state, body, ARRAY[author] FROM reviews WHERE tenant_id=$1 AND external_id=$2`
	case domain.TableReviewComments:
		query = `SELECT id, path, body, ARRAY[author] FROM review_comments WHERE tenant_id=$1 AND external_id=$2`
	case domain.TableWorkItemPRLinks:
		query = `SELECT id, work_item_key, pr_external_id, ARRAY[]::text[] FROM work_item_pr_links WHERE tenant_id=$1 AND external_id=$2`
	default:
		return domain.EmbeddingSource{}, fmt.Errorf("op=rows.fetch_for_embedding: table %q: %w", table, domain.ErrInvalidArgument)
	}
	var src domain.EmbeddingSource
	err := q(ctx, r.Pool).QueryRow(ctx, query, tenantID, externalID).Scan(&src.RowID, &src.Title, &src.Body, &src.Extra)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.EmbeddingSource{}, fmt.Errorf("op=rows.fetch_for_embedding: %w", domain.ErrNotFound)
		}
		return domain.EmbeddingSource{}, fmt.Errorf("op=rows.fetch_for_embedding: %w", err)
	}
	return src, nil
}

// ListExternalIDs returns all active external ids of a table, used by the
// bulk re-embed path.
func (r *RowsRepo) ListExternalIDs(ctx context.Context, tenantID, table string) ([]string, error) {
	if !validTable(table) {
		return nil, fmt.Errorf("op=rows.list_external_ids: table %q: %w", table, domain.ErrInvalidArgument)
	}
	query := `SELECT external_id FROM ` + table + ` WHERE tenant_id=$1 AND active = true ORDER BY external_id`
	rows, err := q(ctx, r.Pool).Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("op=rows.list_external_ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=rows.list_external_ids: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=rows.list_external_ids: %w", err)
	}
	return out, nil
}
