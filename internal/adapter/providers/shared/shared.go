// Package shared holds helpers shared by the external provider clients:
// HTTP status classification into the domain error taxonomy and rate-limit
// header parsing.
package shared

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tracefold/engsync/internal/domain"
)

// ClassifyStatus maps an HTTP status to a domain sentinel. 2xx returns nil.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", status, domain.ErrAuthFailure)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", status, domain.ErrRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("status %d: %w", status, domain.ErrUpstreamTimeout)
	case status >= 500:
		return fmt.Errorf("status %d: %w", status, domain.ErrTransient)
	default:
		return fmt.Errorf("status %d: %w", status, domain.ErrPermanent)
	}
}

// ParseRateHeaders reads the conventional X-RateLimit-* trio. Reset is epoch
// seconds. Returns false when the headers are absent.
func ParseRateHeaders(h http.Header, resource string) (domain.RateSnapshot, bool) {
	limitStr := h.Get("X-RateLimit-Limit")
	remStr := h.Get("X-RateLimit-Remaining")
	if limitStr == "" || remStr == "" {
		return domain.RateSnapshot{}, false
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return domain.RateSnapshot{}, false
	}
	remaining, err := strconv.Atoi(remStr)
	if err != nil {
		return domain.RateSnapshot{}, false
	}
	snap := domain.RateSnapshot{Resource: resource, Limit: limit, Remaining: remaining}
	if resetStr := h.Get("X-RateLimit-Reset"); resetStr != "" {
		if epoch, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			snap.ResetAt = time.Unix(epoch, 0).UTC()
		}
	}
	return snap, true
}
