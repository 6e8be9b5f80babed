// Package kafka publishes and consumes notification events.
//
// Delivery is best effort: the pipeline publishes an event for every
// terminal job state and moderation enforcement, the consumer filters by
// per-user preference and hands the event to a push gateway. A failure
// anywhere on this path is counted and dropped, never surfaced back into
// the job pipeline.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// Producer implements domain.NotificationPublisher on a Kafka topic.
// Records are keyed by "user:category" so per-user delivery order holds
// within a category.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=notify.producer: no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=notify.producer: topic must not be empty")
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=notify.producer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := EnsureTopic(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("ensure notifications topic failed",
			slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("notification producer ready",
		slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// Publish emits one event. The returned error is for the caller's log line;
// nothing retries a failed publish.
func (p *Producer) Publish(ctx domain.Context, event domain.NotificationEvent) error {
	if event.UserID == "" || event.Category == "" {
		observability.NotificationsDroppedTotal.WithLabelValues("invalid_event").Inc()
		return fmt.Errorf("op=notify.publish: %w: user_id and category are required", domain.ErrInvalidArgument)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b, err := json.Marshal(event)
	if err != nil {
		observability.NotificationsDroppedTotal.WithLabelValues("encode_error").Inc()
		return fmt.Errorf("op=notify.publish: marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.UserID + ":" + string(event.Category)),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "user_id", Value: []byte(event.UserID)},
			{Key: "category", Value: []byte(event.Category)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		observability.NotificationsDroppedTotal.WithLabelValues("publish_error").Inc()
		return fmt.Errorf("op=notify.publish: %w", err)
	}

	observability.NotificationsPublishedTotal.WithLabelValues(string(event.Category)).Inc()
	slog.Debug("notification published",
		slog.String("user_id", event.UserID),
		slog.String("category", string(event.Category)),
		slog.String("job_id", event.JobID))
	return nil
}

// Ping checks broker reachability. Readiness probes use it.
func (p *Producer) Ping(ctx domain.Context) error {
	if p.client == nil {
		return fmt.Errorf("op=notify.ping: client not initialized")
	}
	return p.client.Ping(ctx)
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
