package repohost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/tracefold/engsync/internal/domain"
)

// SearchRepositories resolves the org's repositories matching the name
// patterns. The combined search query must stay under the provider's URL
// length limit, so patterns are split into batches; within each batch the
// next-page link relations are followed up to the provider's result ceiling.
// Results are deduplicated by external id across batches.
func (c *Client) SearchRepositories(ctx context.Context, org string, patterns []string) ([]json.RawMessage, error) {
	batches := batchPatterns(c.searchBase(org), patterns, c.opts.SearchMaxURLLen)
	seen := map[string]bool{}
	var out []json.RawMessage
	for _, batch := range batches {
		repos, err := c.searchBatch(ctx, org, batch)
		if err != nil {
			return nil, err
		}
		for _, raw := range repos {
			var probe struct {
				ID json.Number `json:"id"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil || probe.ID.String() == "" {
				slog.Warn("repository payload missing id, skipping")
				continue
			}
			if seen[probe.ID.String()] {
				continue
			}
			seen[probe.ID.String()] = true
			out = append(out, raw)
		}
	}
	return out, nil
}

// searchBase is the fixed prefix every batch query shares; batching budgets
// pattern text against the URL limit after accounting for it.
func (c *Client) searchBase(org string) string {
	return c.opts.BaseURL + "/search/repositories?q=" + url.QueryEscape("org:"+org+" fork:true")
}

// batchPatterns splits patterns into groups whose combined query URL stays
// within maxLen. A single pattern that alone exceeds the limit still gets its
// own batch; the provider will reject it and the error surfaces normally.
func batchPatterns(base string, patterns []string, maxLen int) [][]string {
	if len(patterns) == 0 {
		return [][]string{nil}
	}
	var batches [][]string
	var current []string
	length := len(base)
	for _, p := range patterns {
		// Each pattern rides the query as "+<pattern>+in:name", URL-escaped.
		cost := len(url.QueryEscape(" " + p + " in:name"))
		if len(current) > 0 && length+cost > maxLen {
			batches = append(batches, current)
			current = nil
			length = len(base)
		}
		if len(current) == 0 && len(base)+cost > maxLen {
			slog.Warn("repository pattern alone exceeds URL limit",
				slog.String("pattern", p),
				slog.Int("limit", maxLen))
		}
		current = append(current, p)
		length += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (c *Client) searchBatch(ctx context.Context, org string, patterns []string) ([]json.RawMessage, error) {
	q := "org:" + org + " fork:true"
	for _, p := range patterns {
		q += " " + p + " in:name"
	}
	next := c.opts.BaseURL + "/search/repositories?q=" + url.QueryEscape(q) +
		"&per_page=" + strconv.Itoa(c.opts.PageSize)

	var all []json.RawMessage
	for next != "" {
		// Budget is rechecked per page so a mid-pagination exhaustion
		// surfaces before the next request is spent.
		if err := c.checkBudget(domain.RateResourceSearch, "repositories"); err != nil {
			return nil, err
		}
		if len(all) >= c.opts.SearchResultCap {
			slog.Warn("repository search hit provider result ceiling",
				slog.String("org", org),
				slog.Int("cap", c.opts.SearchResultCap))
			break
		}
		var page struct {
			TotalCount int               `json:"total_count"`
			Items      []json.RawMessage `json:"items"`
		}
		pageURL := next
		var link string
		err := c.doJSON(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		}, domain.RateResourceSearch, &page, func(resp *http.Response) {
			link = resp.Header.Get("Link")
		})
		if err != nil {
			return nil, fmt.Errorf("op=repohost.search_repositories: %w", err)
		}
		all = append(all, page.Items...)
		next = nextLink(link)
	}
	if len(all) > c.opts.SearchResultCap {
		all = all[:c.opts.SearchResultCap]
	}
	return all, nil
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextLink extracts the rel="next" target from a Link header.
func nextLink(header string) string {
	m := nextLinkRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}
