package repohost

import (
	"context"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tracefold/engsync/internal/domain"
)

// Nested edge collections inlined on every pull-request node. Keys are the
// extraction kinds; values the GraphQL field names.
var nestedFields = map[string]string{
	domain.KindPRCommits:  "commits",
	domain.KindPRReviews:  "reviews",
	domain.KindPRComments: "comments",
	domain.KindPRThreads:  "reviewThreads",
}

const prPageQuery = `query($owner: String!, $name: String!, $first: Int!, $after: String) {
  rateLimit { limit remaining resetAt }
  repository(owner: $owner, name: $name) {
    pullRequests(first: $first, after: $after, orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        id number title body author { login } state updatedAt createdAt mergedAt
        baseRefName headRefName
        commits(first: $first) {
          pageInfo { hasNextPage endCursor }
          nodes { commit { oid message additions deletions authoredDate author { name } } }
        }
        reviews(first: $first) {
          pageInfo { hasNextPage endCursor }
          nodes { id state body submittedAt author { login } }
        }
        comments(first: $first) {
          pageInfo { hasNextPage endCursor }
          nodes { id body createdAt author { login } }
        }
        reviewThreads(first: $first) {
          pageInfo { hasNextPage endCursor }
          nodes { id comments(first: 50) { nodes { id body path createdAt author { login } } } }
        }
      }
    }
  }
}`

// nestedPageQuery fetches one continuation page of a single nested edge kind.
// The %s slots are the field name and its selection set.
const nestedPageQuery = `query($id: ID!, $first: Int!, $after: String) {
  rateLimit { limit remaining resetAt }
  node(id: $id) {
    ... on PullRequest {
      %s(first: $first, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes %s
      }
    }
  }
}`

var nestedSelections = map[string]string{
	domain.KindPRCommits:  `{ commit { oid message additions deletions authoredDate author { name } } }`,
	domain.KindPRReviews:  `{ id state body submittedAt author { login } }`,
	domain.KindPRComments: `{ id body createdAt author { login } }`,
	domain.KindPRThreads:  `{ id comments(first: 50) { nodes { id body path createdAt author { login } } } }`,
}

type gqlPageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

func (p gqlPageInfo) toDomain() domain.PageInfo {
	return domain.PageInfo{HasNext: p.HasNextPage, EndCursor: p.EndCursor}
}

type gqlRateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type gqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PullRequests pages a repository's PRs ordered updated DESC with the first
// page of each nested edge inlined. The provider cannot filter by update
// time, so the since boundary is enforced by the extractor via early
// termination on the DESC ordering.
func (c *Client) PullRequests(ctx context.Context, repoFullName, cursor string, _ time.Time) (domain.PRPage, error) {
	if err := c.checkBudget(domain.RateResourceGraphQL, "prs"); err != nil {
		return domain.PRPage{}, err
	}
	owner, name, err := splitFullName(repoFullName)
	if err != nil {
		return domain.PRPage{}, err
	}

	vars := map[string]any{"owner": owner, "name": name, "first": c.opts.PageSize}
	if cursor != "" {
		vars["after"] = cursor
	}
	var data struct {
		RateLimit  gqlRateLimit `json:"rateLimit"`
		Repository struct {
			PullRequests struct {
				PageInfo gqlPageInfo       `json:"pageInfo"`
				Nodes    []json.RawMessage `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	}
	if err := c.graphql(ctx, prPageQuery, vars, "prs", &data); err != nil {
		return domain.PRPage{}, fmt.Errorf("op=repohost.pull_requests: %w", err)
	}

	page := domain.PRPage{Page: data.Repository.PullRequests.PageInfo.toDomain()}
	for _, raw := range data.Repository.PullRequests.Nodes {
		node, err := parsePRNode(raw)
		if err != nil {
			return domain.PRPage{}, fmt.Errorf("op=repohost.pull_requests: %w", err)
		}
		page.PRs = append(page.PRs, node)
	}
	return page, nil
}

// NestedPage fetches one continuation page of a nested edge kind for a PR.
func (c *Client) NestedPage(ctx context.Context, prExternalID, kind, cursor string) (domain.NestedPage, error) {
	field, ok := nestedFields[kind]
	if !ok {
		return domain.NestedPage{}, fmt.Errorf("op=repohost.nested_page: kind %q: %w", kind, domain.ErrInvalidArgument)
	}
	if err := c.checkBudget(domain.RateResourceGraphQL, kind); err != nil {
		return domain.NestedPage{}, err
	}

	query := fmt.Sprintf(nestedPageQuery, field, nestedSelections[kind])
	vars := map[string]any{"id": prExternalID, "first": c.opts.PageSize}
	if cursor != "" {
		vars["after"] = cursor
	}
	var data struct {
		RateLimit gqlRateLimit               `json:"rateLimit"`
		Node      map[string]json.RawMessage `json:"node"`
	}
	if err := c.graphql(ctx, query, vars, kind, &data); err != nil {
		return domain.NestedPage{}, fmt.Errorf("op=repohost.nested_page: %w", err)
	}

	var conn struct {
		PageInfo gqlPageInfo       `json:"pageInfo"`
		Nodes    []json.RawMessage `json:"nodes"`
	}
	rawConn, ok := data.Node[field]
	if !ok {
		// Parent deleted upstream between pages; treat as exhausted.
		return domain.NestedPage{}, nil
	}
	if err := json.Unmarshal(rawConn, &conn); err != nil {
		return domain.NestedPage{}, fmt.Errorf("op=repohost.nested_page: decode %s: %w", field, err)
	}
	return domain.NestedPage{Nodes: conn.Nodes, Page: conn.PageInfo.toDomain()}, nil
}

// parsePRNode extracts the node id and the nested page infos while keeping
// the payload opaque for the transform stage.
func parsePRNode(raw json.RawMessage) (domain.PRNode, error) {
	var probe struct {
		ID            string `json:"id"`
		Commits       struct{ PageInfo gqlPageInfo }
		Reviews       struct{ PageInfo gqlPageInfo }
		Comments      struct{ PageInfo gqlPageInfo }
		ReviewThreads struct{ PageInfo gqlPageInfo }
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domain.PRNode{}, fmt.Errorf("decode pr node: %w", err)
	}
	if probe.ID == "" {
		return domain.PRNode{}, fmt.Errorf("pr node missing id: %w", domain.ErrPermanent)
	}
	return domain.PRNode{
		ExternalID: probe.ID,
		Raw:        raw,
		Nested: map[string]domain.PageInfo{
			domain.KindPRCommits:  probe.Commits.PageInfo.toDomain(),
			domain.KindPRReviews:  probe.Reviews.PageInfo.toDomain(),
			domain.KindPRComments: probe.Comments.PageInfo.toDomain(),
			domain.KindPRThreads:  probe.ReviewThreads.PageInfo.toDomain(),
		},
	}, nil
}

// graphql posts one query, stores the rate-limit snapshot from the response
// body, and converts GraphQL-level errors into the domain taxonomy.
func (c *Client) graphql(ctx context.Context, query string, vars map[string]any, nodeType string, data any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return err
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	err = c.doJSON(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/graphql", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, domain.RateResourceGraphQL, &envelope, nil)
	if err != nil {
		return err
	}

	for _, ge := range envelope.Errors {
		if ge.Type == "RATE_LIMITED" {
			snap := c.snapshot(domain.RateResourceGraphQL)
			return &domain.RateLimitError{
				Resource: domain.RateResourceGraphQL,
				ResetAt:  snap.ResetAt,
				NodeType: nodeType,
			}
		}
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql: %s: %w", envelope.Errors[0].Message, domain.ErrPermanent)
	}

	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, data); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	// The GraphQL budget rides the body, not headers.
	var rl struct {
		RateLimit gqlRateLimit `json:"rateLimit"`
	}
	if err := json.Unmarshal(envelope.Data, &rl); err == nil && rl.RateLimit.Limit > 0 {
		c.storeSnapshot(domain.RateSnapshot{
			Resource:  domain.RateResourceGraphQL,
			Limit:     rl.RateLimit.Limit,
			Remaining: rl.RateLimit.Remaining,
			ResetAt:   rl.RateLimit.ResetAt,
		})
	}
	return nil
}

func splitFullName(fullName string) (owner, name string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("op=repohost.split_full_name: %q: %w", fullName, domain.ErrInvalidArgument)
	}
	return parts[0], parts[1], nil
}
