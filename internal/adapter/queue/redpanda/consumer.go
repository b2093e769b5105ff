package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
)

// HandlerFunc processes one stage message.
type HandlerFunc func(ctx context.Context, m domain.Message) error

// Handlers routes records to their stage processors.
type Handlers struct {
	Extraction HandlerFunc
	Transform  HandlerFunc
	Embed      HandlerFunc
}

func (h Handlers) forStage(stage string) HandlerFunc {
	switch stage {
	case domain.StageExtraction:
		return h.Extraction
	case domain.StageTransform:
		return h.Transform
	case domain.StageEmbed:
		return h.Embed
	}
	return nil
}

// Consumer drains one tenant's stage topics with a worker pool sized by the
// tenant's tier quota. Records are processed under read-committed isolation
// and marked only after the handler succeeds or the message is parked on the
// dead-letter topic, so terminal flags are never silently lost.
type Consumer struct {
	session  *kgo.GroupTransactSession
	tenant   domain.Tenant
	handlers Handlers
	dlq      domain.Queue

	retry        domain.RetryConfig
	stageTimeout func(stage string) time.Duration

	workers  int
	jobQueue chan *kgo.Record
	poller   *adaptivePoller
	shutdown chan struct{}
}

// NewConsumer constructs a per-tenant Consumer.
func NewConsumer(brokers []string, tenant domain.Tenant, handlers Handlers, dlq domain.Queue, retry domain.RetryConfig, stageTimeout func(string) time.Duration) (*Consumer, error) {
	return NewConsumerWithTransactionalID(brokers, "engsync-worker-"+tenant.ID, tenant, handlers, dlq, retry, stageTimeout)
}

// NewConsumerWithTransactionalID constructs a Consumer with a custom
// transactional ID so tests can isolate sessions.
func NewConsumerWithTransactionalID(brokers []string, transactionalID string, tenant domain.Tenant, handlers Handlers, dlq domain.Queue, retry domain.RetryConfig, stageTimeout func(string) time.Duration) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if tenant.ID == "" {
		return nil, fmt.Errorf("missing tenant")
	}

	groupID := "engsync-worker." + tenant.ID
	slog.Info("creating redpanda consumer",
		slog.Any("brokers", brokers),
		slog.String("tenant_id", tenant.ID),
		slog.String("group_id", groupID),
		slog.String("tier", tenant.Tier))

	if err := EnsureTenantTopics(context.Background(), brokers, tenant.ID, 1); err != nil {
		slog.Warn("failed to ensure tenant topics", slog.String("tenant_id", tenant.ID), slog.Any("error", err))
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(StageTopics(tenant.ID)...),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),

		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxWait(2 * time.Second),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}
	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	workers := tenant.WorkerQuota()
	return &Consumer{
		session:      session,
		tenant:       tenant,
		handlers:     handlers,
		dlq:          dlq,
		retry:        retry,
		stageTimeout: stageTimeout,
		workers:      workers,
		jobQueue:     make(chan *kgo.Record, workers*2),
		poller:       newAdaptivePoller(500 * time.Millisecond),
		shutdown:     make(chan struct{}),
	}, nil
}

// Start runs the fetch loop and worker pool until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting consumer",
		slog.String("tenant_id", c.tenant.ID),
		slog.Int("workers", c.workers))

	for i := 0; i < c.workers; i++ {
		go c.worker(ctx, i)
	}
	go c.fetchLoop(ctx)

	<-ctx.Done()
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	return ctx.Err()
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			c.poller.RecordIdle()
			time.Sleep(c.poller.NextInterval())
			continue
		}
		if fetches.NumRecords() == 0 {
			c.poller.RecordIdle()
			time.Sleep(c.poller.NextInterval())
			continue
		}

		c.poller.RecordBusy()
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.jobQueue <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.jobQueue:
			if record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("record processing failed",
					slog.Int("worker_id", id),
					slog.String("topic", record.Topic),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
			}
		}
	}
}

// processRecord runs the stage handler with the retry policy. Poison
// messages park on the dead-letter topic; rate-limit errors and exhausted
// retryable failures leave the record unmarked so the broker redelivers it
// and the run's terminal flags stay in flight.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessStageMessage")
	defer span.End()

	var m domain.Message
	if err := json.Unmarshal(record.Value, &m); err != nil {
		observability.MessagesConsumedTotal.WithLabelValues("unknown", "dead_letter").Inc()
		c.session.Client().MarkCommitRecords(record)
		return fmt.Errorf("unmarshal message: %w", err)
	}
	if m.TenantID != c.tenant.ID {
		c.session.Client().MarkCommitRecords(record)
		return fmt.Errorf("tenant mismatch: message for %s on %s queue: %w", m.TenantID, c.tenant.ID, domain.ErrDataIntegrity)
	}

	handler := c.handlers.forStage(m.Stage)
	if handler == nil {
		observability.MessagesConsumedTotal.WithLabelValues(m.Stage, "dead_letter").Inc()
		c.session.Client().MarkCommitRecords(record)
		return c.deadLetter(ctx, m, fmt.Sprintf("no handler for stage %q", m.Stage))
	}

	lg := slog.With(
		slog.String("tenant_id", m.TenantID),
		slog.String("job_id", m.JobID),
		slog.String("stage", m.Stage),
		slog.String("kind", m.Kind),
	)

	start := time.Now()
	err := c.runWithRetry(ctx, handler, m, lg)
	observability.StageDuration.WithLabelValues(m.Stage).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.MessagesConsumedTotal.WithLabelValues(m.Stage, "ok").Inc()
		c.session.Client().MarkCommitRecords(record)
		return nil
	case errors.Is(err, domain.ErrRateLimited):
		// The stage checkpoints before surfacing this; redeliver rather
		// than park.
		observability.MessagesConsumedTotal.WithLabelValues(m.Stage, "deferred").Inc()
		lg.Warn("stage deferred by rate limit", slog.Any("error", err))
		return nil
	case shouldPark(err):
		observability.MessagesConsumedTotal.WithLabelValues(m.Stage, "dead_letter").Inc()
		c.session.Client().MarkCommitRecords(record)
		if dlqErr := c.deadLetter(ctx, m, err.Error()); dlqErr != nil {
			return errors.Join(err, dlqErr)
		}
		return err
	default:
		// Retry budget exhausted on a retryable or internal failure. The
		// record stays uncommitted; parking it would strand any terminal
		// flags it carries and leave the job RUNNING until the sweeper.
		observability.MessagesConsumedTotal.WithLabelValues(m.Stage, "redeliver").Inc()
		lg.Warn("stage handler failed, awaiting redelivery", slog.Any("error", err))
		return err
	}
}

// shouldPark reports whether a handler failure is poison: the message can
// never process successfully, so redelivery cannot help and the record is
// committed and parked on the dead-letter topic. Everything else, auth
// failures included, gets redelivered.
func shouldPark(err error) bool {
	return errors.Is(err, domain.ErrPermanent) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrDataIntegrity) ||
		errors.Is(err, domain.ErrNotFound)
}

func (c *Consumer) runWithRetry(ctx context.Context, handler HandlerFunc, m domain.Message, lg *slog.Logger) error {
	var err error
	for attempt := 0; ; attempt++ {
		hctx := ctx
		var cancel context.CancelFunc
		if c.stageTimeout != nil {
			if d := c.stageTimeout(m.Stage); d > 0 {
				hctx, cancel = context.WithTimeout(ctx, d)
			}
		}
		err = handler(hctx, m)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if !domain.Retryable(err) || attempt >= c.retry.MaxRetries {
			return err
		}
		delay := c.retry.Delay(attempt)
		lg.Warn("stage handler retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, m domain.Message, reason string) error {
	if c.dlq == nil {
		return nil
	}
	return c.dlq.PublishDeadLetter(ctx, m, reason)
}

// Close closes the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	return nil
}
