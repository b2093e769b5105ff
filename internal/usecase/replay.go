package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tracefold/engsync/internal/domain"
)

// ReplayService re-queues every row of a normalized table for embedding.
// Used to repair vector drift or roll out a new embedding model without
// touching normalized data.
type ReplayService struct {
	Rows  domain.RowsRepository
	Queue domain.Queue
	Clock domain.Clock
}

// ReplayEmbed publishes one embed message per row of the table, terminal
// flags placed on the first and last message. The synthetic job id keeps the
// chaining sink idempotent against the real ladder. Returns the number of
// rows queued.
func (s *ReplayService) ReplayEmbed(ctx context.Context, tenantID, table string) (int, error) {
	ids, err := s.Rows.ListExternalIDs(ctx, tenantID, table)
	if err != nil {
		return 0, fmt.Errorf("op=replay.embed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	jobID := "replay-" + ulid.Make().String()
	flags, _ := domain.SplitFlags(domain.Flags{First: true, Last: true, LastJob: true}, len(ids), false)
	now := time.Now().UTC()
	if s.Clock != nil {
		now = s.Clock.Now()
	}
	for i, id := range ids {
		externalID := id
		m := domain.Message{
			ID:         ulid.Make().String(),
			TenantID:   tenantID,
			JobID:      jobID,
			Step:       "replay-" + table,
			Stage:      domain.StageEmbed,
			Flags:      flags[i],
			Table:      table,
			ExternalID: &externalID,
			EnqueuedAt: now,
		}
		if err := s.Queue.Publish(ctx, m); err != nil {
			return i, fmt.Errorf("op=replay.embed: %w", err)
		}
	}
	return len(ids), nil
}
