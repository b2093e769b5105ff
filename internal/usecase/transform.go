package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
)

// TransformService parses raw extraction records into normalized rows. Each
// record is applied in one transaction, parent row before children, with the
// record marked completed inside the same transaction. Embed messages are
// published after commit, one per upserted row, flags relayed per the
// terminal protocol.
type TransformService struct {
	Raw      domain.RawRepository
	Rows     domain.RowsRepository
	Tx       domain.TxRunner
	Queue    domain.Queue
	Progress domain.ProgressSink
	Clock    domain.Clock
}

// emittedRow is one row the transform upserted; its address on the embed
// queue.
type emittedRow struct {
	Table      string
	ExternalID string
}

// Handle processes one transform message. Completion markers pass straight
// through to the embed queue; duplicate deliveries of an already-completed
// raw record are acked without effect.
func (s *TransformService) Handle(ctx context.Context, m domain.Message) error {
	tracer := otel.Tracer("usecase.transform")
	ctx, span := tracer.Start(ctx, "Transform.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", m.TenantID),
		attribute.String("job.id", m.JobID),
	)

	if m.IsCompletion() {
		return s.forwardCompletion(ctx, m)
	}

	rec, err := s.Raw.Get(ctx, m.TenantID, *m.RawDataID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("raw record missing",
			slog.String("tenant_id", m.TenantID),
			slog.String("raw_data_id", *m.RawDataID))
		return s.completeIfOwed(ctx, m)
	}
	if err != nil {
		return fmt.Errorf("op=transform.handle: %w", err)
	}
	if rec.Status == domain.RawCompleted {
		// Redelivered duplicate; the first delivery already fanned out.
		slog.Debug("raw record already transformed", slog.String("raw_data_id", rec.ID))
		return nil
	}

	var emitted []emittedRow
	txErr := s.Tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		emitted, err = s.applyRecord(ctx, rec)
		if err != nil {
			return err
		}
		return s.Raw.MarkCompleted(ctx, rec.TenantID, rec.ID)
	})
	switch {
	case txErr == nil:
	case errors.Is(txErr, domain.ErrPermanent), errors.Is(txErr, domain.ErrNotFound):
		// Unparseable payload or absent parent: skip the record, keep the
		// terminal relay moving.
		slog.Warn("raw record skipped",
			slog.String("tenant_id", rec.TenantID),
			slog.String("raw_data_id", rec.ID),
			slog.String("payload_type", rec.PayloadType),
			slog.Any("error", txErr))
		if err := s.Raw.MarkFailed(ctx, rec.TenantID, rec.ID); err != nil {
			slog.Error("raw record mark failed errored", slog.String("raw_data_id", rec.ID), slog.Any("error", err))
		}
		return s.completeIfOwed(ctx, m)
	default:
		return fmt.Errorf("op=transform.handle: %w", txErr)
	}

	for _, row := range emitted {
		observability.RowsUpsertedTotal.WithLabelValues(row.Table).Inc()
	}

	children, _ := domain.SplitFlags(m.Flags, len(emitted), false)
	for i, row := range emitted {
		out := s.embedMessage(m, children[i])
		out.Table = row.Table
		id := row.ExternalID
		out.ExternalID = &id
		if err := s.Queue.Publish(ctx, out); err != nil {
			return fmt.Errorf("op=transform.handle: %w", err)
		}
	}
	if len(emitted) == 0 {
		return s.completeIfOwed(ctx, m)
	}
	return nil
}

// applyRecord dispatches on the payload type tag stamped at extraction.
func (s *TransformService) applyRecord(ctx context.Context, rec domain.RawRecord) ([]emittedRow, error) {
	switch rec.PayloadType {
	case domain.KindTrackerProjects:
		return s.applyProject(ctx, rec)
	case domain.KindTrackerIssues:
		return s.applyIssue(ctx, rec)
	case domain.KindRepositories:
		return s.applyRepository(ctx, rec)
	case domain.KindPullRequests:
		return s.applyPullRequest(ctx, rec)
	case domain.KindPRCommits, domain.KindPRReviews, domain.KindPRComments, domain.KindPRThreads:
		return s.applyNestedPage(ctx, rec)
	}
	return nil, fmt.Errorf("unknown payload type %q: %w", rec.PayloadType, domain.ErrPermanent)
}

// forwardCompletion relays a pure flag carrier to the embed queue, the
// rate-limited bit preserved for the chaining decision.
func (s *TransformService) forwardCompletion(ctx context.Context, m domain.Message) error {
	out := s.embedMessage(m, m.Flags)
	return s.Queue.Publish(ctx, out)
}

// completeIfOwed emits a completion marker when this branch held terminal
// responsibility but produced no rows.
func (s *TransformService) completeIfOwed(ctx context.Context, m domain.Message) error {
	if !domain.ShouldComplete(m.Flags) {
		return nil
	}
	out := s.embedMessage(m, domain.Completion(m.Flags.RateLimited))
	return s.Queue.Publish(ctx, out)
}

func (s *TransformService) embedMessage(m domain.Message, flags domain.Flags) domain.Message {
	return domain.Message{
		ID:            ulid.Make().String(),
		TenantID:      m.TenantID,
		IntegrationID: m.IntegrationID,
		JobID:         m.JobID,
		Provider:      m.Provider,
		Step:          m.Step,
		Stage:         domain.StageEmbed,
		Flags:         flags,
		EnqueuedAt:    s.now(),
	}
}

func (s *TransformService) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now().UTC()
}
