// Package progress broadcasts pipeline step updates over redis pub/sub so
// observers can follow a sync without polling the jobs table. Delivery is
// best effort; a dropped update is re-derived from the next one.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracefold/engsync/internal/domain"
)

const publishTimeout = 2 * time.Second

// Channel returns the pub/sub channel for a tenant's progress stream.
func Channel(tenantID string) string {
	return "progress." + tenantID
}

// Broadcaster implements domain.ProgressSink over redis pub/sub. A nil
// redis client turns publishing into a no-op.
type Broadcaster struct {
	redis *redis.Client
}

func NewBroadcaster(rdb *redis.Client) *Broadcaster {
	return &Broadcaster{redis: rdb}
}

// Publish sends the event on progress.<tenant>. Failures are logged, never
// returned; progress must not slow or fail the pipeline.
func (b *Broadcaster) Publish(ctx context.Context, ev domain.ProgressEvent) {
	if b == nil || b.redis == nil || ev.TenantID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("progress event marshal failed", slog.Any("error", err))
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.redis.Publish(pubCtx, Channel(ev.TenantID), payload).Err(); err != nil {
		slog.Warn("progress publish failed",
			slog.String("tenant_id", ev.TenantID),
			slog.String("job_id", ev.JobID),
			slog.Any("error", err))
	}
}

// Follow subscribes to a tenant's progress stream and delivers decoded
// events until ctx is cancelled. Malformed payloads are skipped.
func (b *Broadcaster) Follow(ctx context.Context, tenantID string, out chan<- domain.ProgressEvent) error {
	if b == nil || b.redis == nil {
		return nil
	}
	sub := b.redis.Subscribe(ctx, Channel(tenantID))
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("progress event decode failed", slog.Any("error", err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
