package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). Stages classify with errors.Is and decide
// between local retry, skip-with-warning, and FailJob.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrTransient       = errors.New("transient upstream failure")
	ErrPermanent       = errors.New("permanent upstream failure")
	ErrAuthFailure     = errors.New("authentication failure")
	ErrDataIntegrity   = errors.New("data integrity violation")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrInternal        = errors.New("internal error")
)

// Rate-limit resource classes as reported by providers.
const (
	RateResourceCore    = "core"
	RateResourceSearch  = "search"
	RateResourceGraphQL = "graphql"
)

// RateSnapshot is the most recent rate-limit budget seen for an integration.
type RateSnapshot struct {
	Resource  string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Exhausted reports whether the remaining budget is at or below the
// safety threshold.
func (s RateSnapshot) Exhausted(threshold int) bool {
	return s.Limit > 0 && s.Remaining <= threshold
}

// RateLimitError is returned by provider clients when the budget for a
// resource class is below the safety threshold. It is not a failure: the
// extract stage converts it into a checkpoint plus a completion message.
type RateLimitError struct {
	Resource string
	ResetAt  time.Time
	NodeType string // node type being fetched when the limit was hit
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s until %s", e.Resource, e.ResetAt.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrRateLimited) hold for RateLimitError values.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
