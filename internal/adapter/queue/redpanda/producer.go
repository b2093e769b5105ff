// Package redpanda provides the Redpanda/Kafka queue integration.
//
// Messages are published transactionally to per-tenant stage topics so each
// stage sees exactly-once delivery of the terminal control flags. Records are
// keyed by job id: all messages of one job land on one partition and stay
// ordered.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
)

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client

	// transactionChan serializes transactions while allowing callers to
	// block concurrently.
	transactionChan chan struct{}

	mu      sync.Mutex
	ensured map[string]bool
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "engsync-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, letting tests and multi-process deployments avoid
// producer fencing.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
		ensured:         map[string]bool{},
	}, nil
}

// Publish sends a stage message to its tenant topic.
func (p *Producer) Publish(ctx context.Context, m domain.Message) error {
	if m.TenantID == "" || m.JobID == "" || m.Stage == "" {
		return fmt.Errorf("publish: missing envelope fields: %w", domain.ErrInvalidArgument)
	}
	topic := Topic(m.Stage, m.TenantID)
	if err := p.produce(ctx, topic, m, nil); err != nil {
		return err
	}
	observability.MessagesProducedTotal.WithLabelValues(m.Stage).Inc()
	return nil
}

// PublishDeadLetter parks a poisoned message on the tenant's dead-letter
// topic with the failure reason in a header.
func (p *Producer) PublishDeadLetter(ctx context.Context, m domain.Message, reason string) error {
	if m.TenantID == "" {
		return fmt.Errorf("publish dead letter: missing tenant: %w", domain.ErrInvalidArgument)
	}
	headers := []kgo.RecordHeader{{Key: "reason", Value: []byte(reason)}}
	if err := p.produce(ctx, DeadLetterTopic(m.TenantID), m, headers); err != nil {
		return err
	}
	slog.Warn("message dead-lettered",
		slog.String("tenant_id", m.TenantID),
		slog.String("job_id", m.JobID),
		slog.String("stage", m.Stage),
		slog.String("reason", reason))
	return nil
}

func (p *Producer) produce(ctx context.Context, topic string, m domain.Message, extra []kgo.RecordHeader) error {
	if err := p.ensureTopic(ctx, topic); err != nil {
		// The broker may auto-create; publishing decides.
		slog.Warn("topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
	}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	b, err := json.Marshal(m)
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("marshal message: %w", err)
	}

	headers := append([]kgo.RecordHeader{
		{Key: "tenant_id", Value: []byte(m.TenantID)},
		{Key: "job_id", Value: []byte(m.JobID)},
		{Key: "stage", Value: []byte(m.Stage)},
	}, extra...)
	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(m.JobID),
		Value:   b,
		Headers: headers,
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Producer) ensureTopic(ctx context.Context, topic string) error {
	p.mu.Lock()
	if p.ensured[topic] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := createTopicIfNotExists(ctx, p.client, topic, 1, 1); err != nil {
		return err
	}
	p.mu.Lock()
	p.ensured[topic] = true
	p.mu.Unlock()
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
