package redpanda

import (
	"math"
	"sync"
	"time"
)

// adaptivePoller adjusts the fetch interval to the observed message flow:
// idle polls stretch the interval toward maxInterval, busy polls shrink it
// back toward minInterval. Keeps worker processes quiet between job runs.
type adaptivePoller struct {
	mu            sync.Mutex
	baseInterval  time.Duration
	minInterval   time.Duration
	maxInterval   time.Duration
	backoffFactor float64

	consecutiveIdle int
	consecutiveBusy int
}

func newAdaptivePoller(base time.Duration) *adaptivePoller {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &adaptivePoller{
		baseInterval:  base,
		minInterval:   100 * time.Millisecond,
		maxInterval:   10 * time.Second,
		backoffFactor: 1.5,
	}
}

// NextInterval returns the wait before the next poll.
func (p *adaptivePoller) NextInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consecutiveIdle > 0 {
		backoff := math.Pow(p.backoffFactor, float64(p.consecutiveIdle))
		interval := time.Duration(float64(p.baseInterval) * backoff)
		if interval > p.maxInterval {
			interval = p.maxInterval
		}
		return interval
	}

	shrink := math.Max(0.2, 1.0/float64(p.consecutiveBusy+1))
	interval := time.Duration(float64(p.baseInterval) * shrink)
	if interval < p.minInterval {
		interval = p.minInterval
	}
	return interval
}

// RecordBusy notes a poll that returned records.
func (p *adaptivePoller) RecordBusy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveBusy++
	p.consecutiveIdle = 0
}

// RecordIdle notes an empty or failed poll.
func (p *adaptivePoller) RecordIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveIdle++
	p.consecutiveBusy = 0
}
