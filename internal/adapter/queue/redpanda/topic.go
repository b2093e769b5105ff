package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/tracefold/engsync/internal/domain"
)

// Topic returns the per-tenant queue name of a stage.
func Topic(stage, tenantID string) string {
	return stage + "." + tenantID
}

// DeadLetterTopic returns the per-tenant dead-letter queue name.
func DeadLetterTopic(tenantID string) string {
	return "deadletter." + tenantID
}

// StageTopics lists the three stage topics of a tenant in pipeline order.
func StageTopics(tenantID string) []string {
	return []string{
		Topic(domain.StageExtraction, tenantID),
		Topic(domain.StageTransform, tenantID),
		Topic(domain.StageEmbed, tenantID),
	}
}

// createTopicIfNotExists creates a topic via the admin API, treating
// TOPIC_ALREADY_EXISTS (error code 36) as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// Error code 36 = TOPIC_ALREADY_EXISTS.
			if topicResp.ErrorCode == 36 {
				slog.Debug("topic already exists", slog.String("topic", topicResp.Topic))
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}

// EnsureTenantTopics creates the tenant's stage and dead-letter topics.
// Stage topics are keyed by job id so one partition is enough for ordering
// within a job; more partitions spread independent jobs.
func EnsureTenantTopics(ctx context.Context, brokers []string, tenantID string, partitions int32) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("admin client: %w", err)
	}
	defer client.Close()

	topics := append(StageTopics(tenantID), DeadLetterTopic(tenantID))
	for _, t := range topics {
		if err := createTopicIfNotExists(ctx, client, t, partitions, 1); err != nil {
			return fmt.Errorf("ensure topic %s: %w", t, err)
		}
	}
	return nil
}
