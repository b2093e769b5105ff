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

// RateBudget is the shared rate-limit snapshot store consulted before
// provider calls and fed after them. A nil budget disables sharing.
type RateBudget interface {
	Allow(ctx context.Context, integrationID, resource string, threshold int) (bool, time.Duration, error)
	Record(ctx context.Context, integrationID string, snap domain.RateSnapshot) error
}

// JobFailer is the narrow orchestrator capability stages use to fail a job
// on auth or integrity errors.
type JobFailer interface {
	FailJob(ctx context.Context, tenantID, jobID string, cause error) error
}

// ExtractService handles extraction-stage messages: it pages provider APIs,
// stores raw payloads, publishes transform messages, and re-enqueues
// follow-up extraction messages for continued pagination. One message covers
// at most one provider page; all further work goes back through the queue.
type ExtractService struct {
	Integrations domain.IntegrationRepository
	Jobs         domain.JobRepository
	Raw          domain.RawRepository
	Queue        domain.Queue
	Factory      domain.ClientFactory
	Failer       JobFailer
	Budget       RateBudget
	Progress     domain.ProgressSink

	// Thresholds maps a rate resource class to its safety threshold.
	Thresholds func(resource string) int
	Clock      domain.Clock
}

// Handle processes one extraction message. Rate limits are not failures:
// they persist a checkpoint and emit a completion message so the job chains
// back to PENDING. Auth and integrity errors fail the job. Anything else
// surfaces to the consumer for retry or dead-lettering.
func (s *ExtractService) Handle(ctx context.Context, m domain.Message) error {
	tracer := otel.Tracer("usecase.extract")
	ctx, span := tracer.Start(ctx, "Extract.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", m.TenantID),
		attribute.String("job.id", m.JobID),
		attribute.String("kind", m.Kind),
	)

	integ, err := s.Integrations.Get(ctx, m.TenantID, m.IntegrationID)
	if err != nil {
		return fmt.Errorf("op=extract.handle: %w", err)
	}

	if rl := s.sharedBudgetRefusal(ctx, m, integ.ID); rl != nil {
		return s.deferRateLimited(ctx, m, rl)
	}

	switch m.Kind {
	case domain.KindTrackerProjects:
		err = s.extractTrackerProjects(ctx, m, integ)
	case domain.KindTrackerIssues:
		err = s.extractTrackerIssues(ctx, m, integ)
	case domain.KindRepositories:
		err = s.extractRepositories(ctx, m, integ)
	case domain.KindPullRequests:
		err = s.extractPullRequests(ctx, m, integ)
	case domain.KindPRCommits, domain.KindPRReviews, domain.KindPRComments, domain.KindPRThreads:
		err = s.extractNestedPage(ctx, m, integ)
	default:
		return fmt.Errorf("op=extract.handle: unknown kind %q: %w", m.Kind, domain.ErrInvalidArgument)
	}
	if err == nil {
		return nil
	}

	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &rl):
		return s.deferRateLimited(ctx, m, rl)
	case errors.Is(err, domain.ErrRateLimited):
		return s.deferRateLimited(ctx, m, &domain.RateLimitError{Resource: resourceForKind(m.Kind)})
	case errors.Is(err, domain.ErrAuthFailure), errors.Is(err, domain.ErrDataIntegrity):
		if s.Failer != nil {
			if ferr := s.Failer.FailJob(ctx, m.TenantID, m.JobID, err); ferr != nil {
				return errors.Join(err, ferr)
			}
		}
		return nil
	case errors.Is(err, domain.ErrPermanent):
		// A permanently rejected page is skipped; the branch still owes its
		// terminal marker so the job can chain.
		slog.Warn("extraction page skipped",
			slog.String("tenant_id", m.TenantID),
			slog.String("kind", m.Kind),
			slog.Any("error", err))
		if domain.ShouldComplete(m.Flags) {
			return s.publishCompletion(ctx, m, false)
		}
		return nil
	}
	return err
}

// sharedBudgetRefusal consults the cross-process budget before spending any
// provider request. It returns a synthetic rate-limit error when another
// worker already drained the budget.
func (s *ExtractService) sharedBudgetRefusal(ctx context.Context, m domain.Message, integrationID string) *domain.RateLimitError {
	if s.Budget == nil {
		return nil
	}
	resource := resourceForKind(m.Kind)
	ok, retryAfter, err := s.Budget.Allow(ctx, integrationID, resource, s.threshold(resource))
	if err != nil || ok {
		return nil
	}
	return &domain.RateLimitError{
		Resource: resource,
		ResetAt:  s.now().Add(retryAfter),
		NodeType: nodeTypeForKind(m.Kind),
	}
}

// deferRateLimited is the checkpoint path: persist enough state to resume,
// then emit a single rate-limited completion so the terminal-flag protocol
// still converges and the orchestrator returns the job to PENDING.
func (s *ExtractService) deferRateLimited(ctx context.Context, m domain.Message, rl *domain.RateLimitError) error {
	cp := domain.Checkpoint{
		LastCursor:        m.Cursor,
		RateLimitHit:      true,
		RateLimitNodeType: rl.NodeType,
		OldLastSyncDate:   m.OldLastSyncDate,
		ExtractionEndDate: m.ExtractionEndDate,
		SubCursors:        map[string]string{"kind": m.Kind},
	}
	if !rl.ResetAt.IsZero() {
		reset := rl.ResetAt.UTC()
		cp.RateLimitResetAt = &reset
	}
	if m.Cursor != "" {
		cp.SubCursors[m.Kind] = m.Cursor
	}
	if m.ProjectKey != "" {
		cp.SubCursors["project"] = m.ProjectKey
	}
	if m.RepoFullName != "" {
		cp.SubCursors["repo"] = m.RepoFullName
	}
	if m.ParentExternalID != "" {
		cp.SubCursors["parent"] = m.ParentExternalID
	}
	if err := s.Jobs.SaveCheckpoint(ctx, m.TenantID, m.JobID, cp); err != nil {
		return fmt.Errorf("op=extract.defer: %w", err)
	}
	observability.RateLimitDeferralsTotal.WithLabelValues(rl.Resource).Inc()
	slog.Info("extraction deferred by rate limit",
		slog.String("tenant_id", m.TenantID),
		slog.String("job_id", m.JobID),
		slog.String("kind", m.Kind),
		slog.String("resource", rl.Resource),
		slog.Time("reset_at", rl.ResetAt))
	return s.publishCompletion(ctx, m, true)
}

// storeAndPublish commits one raw record, then publishes the transform
// message referencing it. The two are deliberately not one transaction;
// duplicate publishes are deduplicated downstream on the record status.
func (s *ExtractService) storeAndPublish(ctx context.Context, m domain.Message, payloadType string, payload []byte, parentExternalID string, flags domain.Flags) error {
	rawID, err := s.Raw.Create(ctx, domain.RawRecord{
		TenantID:         m.TenantID,
		IntegrationID:    m.IntegrationID,
		PayloadType:      payloadType,
		Payload:          payload,
		Status:           domain.RawPending,
		ParentExternalID: parentExternalID,
	})
	if err != nil {
		return fmt.Errorf("op=extract.store: %w", err)
	}
	out := s.stageMessage(m, domain.StageTransform, flags)
	out.Kind = payloadType
	out.RawDataID = &rawID
	return s.Queue.Publish(ctx, out)
}

// publishCompletion emits the pure flag-carrier transform message.
func (s *ExtractService) publishCompletion(ctx context.Context, m domain.Message, rateLimited bool) error {
	out := s.stageMessage(m, domain.StageTransform, domain.Completion(rateLimited))
	return s.Queue.Publish(ctx, out)
}

// followUpMessage builds a continuation extraction message; the date bounds
// are copied verbatim so the sync boundary stays frozen at run start.
func (s *ExtractService) followUpMessage(m domain.Message, kind, cursor, parentExternalID string, flags domain.Flags) domain.Message {
	out := s.stageMessage(m, domain.StageExtraction, flags)
	out.Kind = kind
	out.Cursor = cursor
	out.ParentExternalID = parentExternalID
	out.ProjectKey = m.ProjectKey
	out.RepoFullName = m.RepoFullName
	return out
}

func (s *ExtractService) stageMessage(m domain.Message, stage string, flags domain.Flags) domain.Message {
	return domain.Message{
		ID:                ulid.Make().String(),
		TenantID:          m.TenantID,
		IntegrationID:     m.IntegrationID,
		JobID:             m.JobID,
		Provider:          m.Provider,
		Step:              m.Step,
		Stage:             stage,
		Flags:             flags,
		OldLastSyncDate:   m.OldLastSyncDate,
		ExtractionEndDate: m.ExtractionEndDate,
		EnqueuedAt:        s.now(),
	}
}

func (s *ExtractService) recordBudget(ctx context.Context, integrationID string, snap domain.RateSnapshot) {
	if s.Budget == nil {
		return
	}
	_ = s.Budget.Record(ctx, integrationID, snap)
}

func (s *ExtractService) threshold(resource string) int {
	if s.Thresholds == nil {
		return 0
	}
	return s.Thresholds(resource)
}

func (s *ExtractService) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now().UTC()
}

func resourceForKind(kind string) string {
	switch kind {
	case domain.KindRepositories:
		return domain.RateResourceSearch
	case domain.KindPullRequests, domain.KindPRCommits, domain.KindPRReviews, domain.KindPRComments, domain.KindPRThreads:
		return domain.RateResourceGraphQL
	}
	return domain.RateResourceCore
}

func nodeTypeForKind(kind string) string {
	switch kind {
	case domain.KindTrackerProjects:
		return "projects"
	case domain.KindTrackerIssues:
		return "issues"
	case domain.KindRepositories:
		return "repositories"
	case domain.KindPullRequests:
		return "prs"
	case domain.KindPRCommits:
		return "commits"
	case domain.KindPRReviews:
		return "reviews"
	case domain.KindPRComments:
		return "comments"
	case domain.KindPRThreads:
		return "threads"
	}
	return kind
}
