package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/engsync/internal/domain"
)

func newBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewBroadcaster(rdb)
}

func TestPublishFollowRoundTrip(t *testing.T) {
	b := newBroadcaster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan domain.ProgressEvent, 1)
	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	go func() { _ = b.Follow(followCtx, "t1", events) }()

	ev := domain.ProgressEvent{
		TenantID: "t1",
		JobID:    "job-1",
		Step:     "issues",
		Stage:    domain.StageExtraction,
		Status:   domain.StepRunning,
		Fraction: 0.25,
	}
	// Publish until the subscriber is attached; pub/sub drops pre-subscribe sends.
	deadline := time.After(3 * time.Second)
	for {
		b.Publish(ctx, ev)
		select {
		case got := <-events:
			assert.Equal(t, "job-1", got.JobID)
			assert.Equal(t, domain.StepRunning, got.Status)
			assert.Equal(t, 0.25, got.Fraction)
			assert.False(t, got.At.IsZero())
			return
		case <-deadline:
			t.Fatal("no progress event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestChannelIsPerTenant(t *testing.T) {
	assert.Equal(t, "progress.acme", Channel("acme"))
}

func TestPublish_NilClientAndEmptyTenant(t *testing.T) {
	var b *Broadcaster
	b.Publish(context.Background(), domain.ProgressEvent{TenantID: "t1"})

	live := newBroadcaster(t)
	live.Publish(context.Background(), domain.ProgressEvent{})

	require.NoError(t, (&Broadcaster{}).Follow(context.Background(), "t1", nil))
}
