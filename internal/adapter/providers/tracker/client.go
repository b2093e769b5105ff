// Package tracker implements the issue-tracker provider client: project
// search and incremental issue search with changelog expansion, paged
// newest-first.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tracefold/engsync/internal/adapter/providers/shared"
	"github.com/tracefold/engsync/internal/domain"
)

// Options configures a tracker client.
type Options struct {
	BaseURL       string
	Token         string
	PageSize      int
	RateThreshold int
	Retry         domain.RetryConfig
}

// Client talks to the tracker REST API. It implements domain.TrackerClient.
type Client struct {
	opts       Options
	httpClient *http.Client

	mu   sync.Mutex
	snap domain.RateSnapshot
}

// New constructs a tracker client.
func New(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// RateLimit returns the most recent rate-limit snapshot.
func (c *Client) RateLimit() domain.RateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// SearchProjects returns raw project payloads for the configured keys.
func (c *Client) SearchProjects(ctx context.Context, keys []string) ([]json.RawMessage, error) {
	if err := c.checkBudget("projects"); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("keys", strings.Join(keys, ","))
	var out struct {
		Values []json.RawMessage `json:"values"`
	}
	if err := c.getJSON(ctx, "/rest/api/3/project/search?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("op=tracker.search_projects: %w", err)
	}
	return out.Values, nil
}

// SearchIssues pages issues of a project updated in (since, until], changelog
// expanded, ordered updated DESC. The cursor is the provider's opaque
// next-page token; empty means first page.
func (c *Client) SearchIssues(ctx context.Context, projectKey string, since, until time.Time, cursor string) (domain.IssuePage, error) {
	if err := c.checkBudget("issues"); err != nil {
		return domain.IssuePage{}, err
	}

	jql := fmt.Sprintf("project = %q AND updated > %q AND updated <= %q ORDER BY updated DESC",
		projectKey,
		since.UTC().Format("2006-01-02 15:04"),
		until.UTC().Format("2006-01-02 15:04"))
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("expand", "changelog")
	q.Set("maxResults", fmt.Sprintf("%d", c.opts.PageSize))
	if cursor != "" {
		q.Set("nextPageToken", cursor)
	}

	var out struct {
		Issues        []json.RawMessage `json:"issues"`
		NextPageToken string            `json:"nextPageToken"`
		IsLast        bool              `json:"isLast"`
	}
	if err := c.getJSON(ctx, "/rest/api/3/search/jql?"+q.Encode(), &out); err != nil {
		return domain.IssuePage{}, fmt.Errorf("op=tracker.search_issues: %w", err)
	}
	return domain.IssuePage{
		Issues:     out.Issues,
		NextCursor: out.NextPageToken,
		HasNext:    !out.IsLast && out.NextPageToken != "",
	}, nil
}

// checkBudget converts a low snapshot into a typed rate-limit error before
// the request is spent.
func (c *Client) checkBudget(nodeType string) error {
	c.mu.Lock()
	snap := c.snap
	c.mu.Unlock()
	if snap.Exhausted(c.opts.RateThreshold) {
		return &domain.RateLimitError{
			Resource: domain.RateResourceCore,
			ResetAt:  snap.ResetAt,
			NodeType: nodeType,
		}
	}
	return nil
}

// getJSON performs one GET with transient retry and decodes the body.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%v: %w", err, domain.ErrTransient)
		}
		defer func() { _ = resp.Body.Close() }()

		if snap, ok := shared.ParseRateHeaders(resp.Header, domain.RateResourceCore); ok {
			c.mu.Lock()
			c.snap = snap
			c.mu.Unlock()
		}

		if err := shared.ClassifyStatus(resp.StatusCode); err != nil {
			if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrUpstreamTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(retryPolicy(c.opts.Retry), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

func retryPolicy(cfg domain.RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		b.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		b.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	max := cfg.MaxRetries
	if max <= 0 {
		max = 3
	}
	return backoff.WithMaxRetries(b, uint64(max))
}
