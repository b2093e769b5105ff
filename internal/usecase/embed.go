package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tracefold/engsync/internal/domain"
)

// EmbedService vectorizes normalized rows. Each message addresses one row by
// (tenant, table, external id); the row's canonical text is embedded and the
// vector landed in the point store with a matching vector reference. The
// terminal message of a run invokes the chaining sink.
type EmbedService struct {
	Rows     domain.RowsRepository
	Vectors  domain.VectorRefRepository
	Store    domain.VectorStore
	Gateway  domain.Vectorizer
	Chain    domain.ChainSink
	Settings domain.SettingsRepository
	Progress domain.ProgressSink

	// Text projects a row to its canonical embedding text.
	Text func(table string, src domain.EmbeddingSource) string

	Collection   string
	DefaultModel string
}

// Handle processes one embed message. A completion marker only chains; a row
// message embeds and then chains if it carries last_job_item. A row that
// vanished between transform commit and embed delivery is skipped with a
// warning, but its terminal flags still count.
func (s *EmbedService) Handle(ctx context.Context, m domain.Message) error {
	tracer := otel.Tracer("usecase.embed")
	ctx, span := tracer.Start(ctx, "Embed.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", m.TenantID),
		attribute.String("job.id", m.JobID),
		attribute.Bool("completion", m.IsCompletion()),
	)

	if m.IsCompletion() {
		return s.chainIfTerminal(ctx, m)
	}

	src, err := s.Rows.FetchForEmbedding(ctx, m.TenantID, m.Table, *m.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("row missing at embed time",
			slog.String("tenant_id", m.TenantID),
			slog.String("table", m.Table),
			slog.String("external_id", *m.ExternalID))
		return s.chainIfTerminal(ctx, m)
	}
	if err != nil {
		return fmt.Errorf("op=embed.handle: %w", err)
	}

	text := s.Text(m.Table, src)
	vectors, err := s.Gateway.Embed(ctx, s.model(ctx, m.TenantID), []string{text})
	if err != nil {
		return fmt.Errorf("op=embed.handle: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("op=embed.handle: got %d vectors for one text: %w", len(vectors), domain.ErrDataIntegrity)
	}

	pointID := pointIDFor(m.TenantID, m.Table, src.RowID)
	if err := s.Store.UpsertPoint(ctx, s.Collection, pointID, vectors[0], map[string]any{
		"tenant_id":   m.TenantID,
		"table":       m.Table,
		"row_id":      src.RowID,
		"external_id": *m.ExternalID,
	}); err != nil {
		return fmt.Errorf("op=embed.handle: %w", err)
	}
	if err := s.Vectors.Upsert(ctx, domain.VectorRef{
		TenantID:   m.TenantID,
		Table:      m.Table,
		RowID:      src.RowID,
		Collection: s.Collection,
		Active:     true,
	}); err != nil {
		return fmt.Errorf("op=embed.handle: %w", err)
	}

	if s.Progress != nil {
		s.Progress.Publish(ctx, domain.ProgressEvent{
			TenantID: m.TenantID,
			JobID:    m.JobID,
			Step:     m.Step,
			Stage:    domain.StageEmbed,
			Status:   domain.StepRunning,
		})
	}
	return s.chainIfTerminal(ctx, m)
}

// chainIfTerminal invokes the chaining sink on last_job_item; the
// rate-limited bit decides between FINISHED and a checkpointed PENDING.
func (s *EmbedService) chainIfTerminal(ctx context.Context, m domain.Message) error {
	if !m.Flags.LastJob {
		return nil
	}
	if err := s.Chain.CompleteJob(ctx, m.TenantID, m.JobID, m.Flags.RateLimited); err != nil {
		return fmt.Errorf("op=embed.chain: %w", err)
	}
	return nil
}

func (s *EmbedService) model(ctx context.Context, tenantID string) string {
	if s.Settings != nil {
		if settings, err := s.Settings.Get(ctx, tenantID); err == nil && settings.EmbedModel != "" {
			return settings.EmbedModel
		}
	}
	return s.DefaultModel
}

// pointIDFor derives the stable point id for a row; re-embedding a row
// overwrites its point instead of accumulating duplicates.
func pointIDFor(tenantID, table, rowID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"/"+table+"/"+rowID)).String()
}
