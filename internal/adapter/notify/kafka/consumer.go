package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// Pusher delivers one notification to the user's device channel.
type Pusher interface {
	Push(ctx domain.Context, event domain.NotificationEvent) error
}

// Preference lookups are cached briefly so a burst of events for one user
// costs a single query.
const prefsTTL = time.Minute

// Consumer reads notification events, filters them against per-user
// preferences and forwards the survivors to a Pusher. Processing is
// at-least-once; duplicate pushes are acceptable for this channel.
type Consumer struct {
	client  *kgo.Client
	users   domain.UserRepository
	pusher  Pusher
	prefs   *cache.Cache
	topic   string
	groupID string
}

// NewConsumer joins the consumer group and subscribes to the topic.
func NewConsumer(brokers []string, groupID, topic string, users domain.UserRepository, pusher Pusher) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=notify.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=notify.consumer: missing required group ID")
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=notify.consumer: %w", err)
	}

	slog.Info("notification consumer ready",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic))
	return &Consumer{
		client:  client,
		users:   users,
		pusher:  pusher,
		prefs:   cache.New(prefsTTL, 5*time.Minute),
		topic:   topic,
		groupID: groupID,
	}, nil
}

// Run polls until the context is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("notification consumer started",
		slog.String("group_id", c.groupID), slog.String("topic", c.topic))
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("notification fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.handleRecord(ctx, rec)
			c.client.MarkCommitRecords(rec)
		})
	}
}

// Close closes the underlying client, which unblocks Run.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *Consumer) handleRecord(ctx domain.Context, rec *kgo.Record) {
	var event domain.NotificationEvent
	if err := json.Unmarshal(rec.Value, &event); err != nil {
		observability.NotificationsDroppedTotal.WithLabelValues("decode_error").Inc()
		slog.Warn("notification decode failed",
			slog.Int64("offset", rec.Offset), slog.Any("error", err))
		return
	}
	if !c.categoryEnabled(ctx, event.UserID, event.Category) {
		observability.NotificationsDroppedTotal.WithLabelValues("pref_disabled").Inc()
		slog.Debug("notification suppressed by preference",
			slog.String("user_id", event.UserID),
			slog.String("category", string(event.Category)))
		return
	}
	if err := c.pusher.Push(ctx, event); err != nil {
		observability.NotificationsDroppedTotal.WithLabelValues("push_error").Inc()
		slog.Warn("notification push failed",
			slog.String("user_id", event.UserID),
			slog.String("category", string(event.Category)),
			slog.String("job_id", event.JobID),
			slog.Any("error", err))
		return
	}
	slog.Debug("notification delivered",
		slog.String("user_id", event.UserID),
		slog.String("category", string(event.Category)),
		slog.String("job_id", event.JobID))
}

// categoryEnabled consults the user's preference map. Unknown categories
// and failed lookups default to enabled so a store outage never silences
// the channel.
func (c *Consumer) categoryEnabled(ctx domain.Context, userID string, category domain.NotificationCategory) bool {
	var prefs map[domain.NotificationCategory]bool
	if cached, ok := c.prefs.Get(userID); ok {
		prefs = cached.(map[domain.NotificationCategory]bool)
	} else {
		loaded, err := c.users.NotificationPrefs(ctx, userID)
		if err != nil {
			slog.Warn("notification prefs lookup failed, delivering anyway",
				slog.String("user_id", userID), slog.Any("error", err))
			return true
		}
		prefs = loaded
		c.prefs.Set(userID, prefs, cache.DefaultExpiration)
	}
	enabled, ok := prefs[category]
	if !ok {
		return true
	}
	return enabled
}
