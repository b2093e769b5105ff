package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/engsync/internal/domain"
)

func fastRetry() domain.RetryConfig {
	return domain.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 1.1}
}

func TestSearchIssues(t *testing.T) {
	var gotJQL, gotExpand, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotJQL = r.URL.Query().Get("jql")
		gotExpand = r.URL.Query().Get("expand")
		gotToken = r.Header.Get("Authorization")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4990")
		w.Header().Set("X-RateLimit-Reset", "1767225600")
		_, _ = w.Write([]byte(`{"issues":[{"id":"10001"},{"id":"10002"}],"nextPageToken":"tok-2","isLast":false}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Token: "secret", PageSize: 50, Retry: fastRetry()})
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	page, err := c.SearchIssues(context.Background(), "ENG", since, until, "")
	require.NoError(t, err)
	assert.Len(t, page.Issues, 2)
	assert.Equal(t, "tok-2", page.NextCursor)
	assert.True(t, page.HasNext)

	assert.Contains(t, gotJQL, `project = "ENG"`)
	assert.Contains(t, gotJQL, "ORDER BY updated DESC")
	assert.Equal(t, "changelog", gotExpand)
	assert.Equal(t, "Bearer secret", gotToken)

	snap := c.RateLimit()
	assert.Equal(t, 4990, snap.Remaining)
	assert.Equal(t, domain.RateResourceCore, snap.Resource)
}

func TestSearchIssues_LastPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"issues":[{"id":"1"}],"isLast":true}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Retry: fastRetry()})
	page, err := c.SearchIssues(context.Background(), "ENG", time.Time{}, time.Now(), "tok")
	require.NoError(t, err)
	assert.False(t, page.HasNext)
	assert.Empty(t, page.NextCursor)
}

func TestBudgetGuard(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "10")
		w.Header().Set("X-RateLimit-Reset", "1767225600")
		_, _ = w.Write([]byte(`{"issues":[],"isLast":true}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, RateThreshold: 100, Retry: fastRetry()})

	// First call spends budget and learns remaining=10.
	_, err := c.SearchIssues(context.Background(), "ENG", time.Time{}, time.Now(), "")
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Second call is refused before the request is made.
	_, err = c.SearchIssues(context.Background(), "ENG", time.Time{}, time.Now(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	var rle *domain.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "issues", rle.NodeType)
	assert.Equal(t, 1, calls)
}

func TestAuthFailureNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.SearchProjects(context.Background(), []string{"ENG"})
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.Equal(t, 1, calls)
}

func TestTransientRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"values":[{"id":"900","key":"ENG"}]}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Retry: fastRetry()})
	projects, err := c.SearchProjects(context.Background(), []string{"ENG"})
	require.NoError(t, err)
	assert.Len(t, projects, 1)
	assert.Equal(t, 2, calls)
}
