// Package repohost implements the source-code host provider client: REST
// repository search (smart-batched under the provider URL limit) and GraphQL
// pull-request extraction with up to four nested edge cursors per PR.
package repohost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tracefold/engsync/internal/adapter/providers/shared"
	"github.com/tracefold/engsync/internal/domain"
)

// Options configures a repo-host client.
type Options struct {
	BaseURL         string
	Token           string
	PageSize        int // GraphQL page size for PRs and nested edges
	SearchResultCap int // provider hard ceiling on search results
	SearchMaxURLLen int // provider URL length limit for REST search
	RateThresholds  map[string]int
	Retry           domain.RetryConfig
}

// Client talks to the repo-host REST and GraphQL APIs. It implements
// domain.RepoHostClient.
type Client struct {
	opts       Options
	httpClient *http.Client

	mu    sync.Mutex
	snaps map[string]domain.RateSnapshot // keyed by resource class
}

// New constructs a repo-host client.
func New(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.SearchResultCap <= 0 {
		opts.SearchResultCap = 1000
	}
	if opts.SearchMaxURLLen <= 0 {
		opts.SearchMaxURLLen = 256
	}
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		snaps: map[string]domain.RateSnapshot{},
	}
}

// RateLimit returns the worst (lowest remaining) snapshot across resource
// classes, preferring the one closest to exhaustion.
func (c *Client) RateLimit() domain.RateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var worst domain.RateSnapshot
	for _, s := range c.snaps {
		if worst.Limit == 0 || s.Remaining < worst.Remaining {
			worst = s
		}
	}
	return worst
}

func (c *Client) snapshot(resource string) domain.RateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[resource]
}

func (c *Client) storeSnapshot(s domain.RateSnapshot) {
	if s.Resource == "" {
		return
	}
	c.mu.Lock()
	c.snaps[s.Resource] = s
	c.mu.Unlock()
}

// checkBudget converts a low snapshot for the resource class into a typed
// rate-limit error before the request is spent.
func (c *Client) checkBudget(resource, nodeType string) error {
	snap := c.snapshot(resource)
	if snap.Exhausted(c.opts.RateThresholds[resource]) {
		return &domain.RateLimitError{
			Resource: resource,
			ResetAt:  snap.ResetAt,
			NodeType: nodeType,
		}
	}
	return nil
}

// doJSON performs one request with transient retry, records rate headers for
// the given resource class, and decodes the body into out.
func (c *Client) doJSON(ctx context.Context, build func() (*http.Request, error), resource string, out any, capture func(*http.Response)) error {
	op := func() error {
		req, err := build()
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

		if snap, ok := shared.ParseRateHeaders(resp.Header, resource); ok {
			c.storeSnapshot(snap)
		}
		if err := shared.ClassifyStatus(resp.StatusCode); err != nil {
			if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrUpstreamTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		if capture != nil {
			capture(resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode: %w", err))
			}
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
