package repohost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/engsync/internal/domain"
)

const prPageResponse = `{
  "data": {
    "rateLimit": {"limit": 5000, "remaining": 4800, "resetAt": "2026-03-01T12:00:00Z"},
    "repository": {
      "pullRequests": {
        "pageInfo": {"hasNextPage": true, "endCursor": "pr-cursor-2"},
        "nodes": [
          {
            "id": "PR_1", "number": 7, "title": "Add retry",
            "commits": {"pageInfo": {"hasNextPage": true, "endCursor": "c-100"}, "nodes": []},
            "reviews": {"pageInfo": {"hasNextPage": false, "endCursor": ""}, "nodes": []},
            "comments": {"pageInfo": {"hasNextPage": false, "endCursor": ""}, "nodes": []},
            "reviewThreads": {"pageInfo": {"hasNextPage": false, "endCursor": ""}, "nodes": []}
          }
        ]
      }
    }
  }
}`

func TestPullRequests(t *testing.T) {
	var gotVars map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotVars = req.Variables
		_, _ = w.Write([]byte(prPageResponse))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, PageSize: 100, Retry: fastRetry()})
	page, err := c.PullRequests(context.Background(), "acme/api", "pr-cursor-1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "acme", gotVars["owner"])
	assert.Equal(t, "api", gotVars["name"])
	assert.Equal(t, "pr-cursor-1", gotVars["after"])

	assert.True(t, page.Page.HasNext)
	assert.Equal(t, "pr-cursor-2", page.Page.EndCursor)
	require.Len(t, page.PRs, 1)

	pr := page.PRs[0]
	assert.Equal(t, "PR_1", pr.ExternalID)
	assert.True(t, pr.Nested[domain.KindPRCommits].HasNext)
	assert.Equal(t, "c-100", pr.Nested[domain.KindPRCommits].EndCursor)
	assert.False(t, pr.Nested[domain.KindPRReviews].HasNext)

	// The GraphQL budget rides the response body.
	snap := c.snapshot(domain.RateResourceGraphQL)
	assert.Equal(t, 4800, snap.Remaining)
}

func TestPullRequests_RateLimitedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded"}]}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.PullRequests(context.Background(), "acme/api", "", time.Time{})
	require.Error(t, err)
	var rle *domain.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, domain.RateResourceGraphQL, rle.Resource)
	assert.Equal(t, "prs", rle.NodeType)
}

func TestPullRequests_BudgetRefusedBeforeCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"data":{"rateLimit":{"limit":5000,"remaining":5,"resetAt":"2026-03-01T12:00:00Z"},"repository":{"pullRequests":{"pageInfo":{},"nodes":[]}}}}`))
	}))
	defer srv.Close()

	c := New(Options{
		BaseURL:        srv.URL,
		RateThresholds: map[string]int{domain.RateResourceGraphQL: 50},
		Retry:          fastRetry(),
	})
	_, err := c.PullRequests(context.Background(), "acme/api", "", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	_, err = c.PullRequests(context.Background(), "acme/api", "", time.Time{})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 1, calls)
}

func TestNestedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
  "data": {
    "rateLimit": {"limit": 5000, "remaining": 4700, "resetAt": "2026-03-01T12:00:00Z"},
    "node": {
      "commits": {
        "pageInfo": {"hasNextPage": false, "endCursor": "c-200"},
        "nodes": [{"commit": {"oid": "abc"}}, {"commit": {"oid": "def"}}]
      }
    }
  }
}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Retry: fastRetry()})
	page, err := c.NestedPage(context.Background(), "PR_1", domain.KindPRCommits, "c-100")
	require.NoError(t, err)
	assert.Len(t, page.Nodes, 2)
	assert.False(t, page.Page.HasNext)
	assert.Equal(t, "c-200", page.Page.EndCursor)
}

func TestNestedPage_UnknownKind(t *testing.T) {
	c := New(Options{BaseURL: "http://unused", Retry: fastRetry()})
	_, err := c.NestedPage(context.Background(), "PR_1", "branches", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSplitFullName(t *testing.T) {
	owner, name, err := splitFullName("acme/api")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "api", name)

	_, _, err = splitFullName("just-a-name")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
