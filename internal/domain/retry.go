// Package domain: retry policy types for message-level resilience.
package domain

import (
	"errors"
	"math/rand"
	"time"
)

// RetryConfig defines local (in-message) retry behavior for stages.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig returns the policy used when config omits overrides.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay computes the backoff delay for the given attempt (0-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if c.Jitter {
		if q := int64(d) / 4; q > 0 {
			d += time.Duration(rand.Int63n(q))
		}
	}
	return d
}

// Retryable classifies an error for local retry. Rate limits are never
// retried inline: they take the checkpoint + completion-message path.
// Auth and integrity failures go to FailJob; permanent payload errors are
// skipped with a warning.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrAuthFailure),
		errors.Is(err, ErrDataIntegrity),
		errors.Is(err, ErrPermanent),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidArgument):
		return false
	case errors.Is(err, ErrTransient), errors.Is(err, ErrUpstreamTimeout):
		return true
	}
	// Unknown errors default to retryable; redelivery surfaces them.
	return true
}
