package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/usecase"
)

// ItemEnvelope is the queue wire format for externally injected items, e.g.
// from scrapers that watch sources the bot cannot join.
type ItemEnvelope struct {
	ID          string    `json:"id"`
	SourceID    int64     `json:"source_id"`
	MessageID   int64     `json:"message_id"`
	GroupID     string    `json:"group_id,omitempty"`
	Text        string    `json:"text,omitempty"`
	MediaKind   string    `json:"media_kind,omitempty"`
	MediaFileID string    `json:"media_file_id,omitempty"`
	SentAt      time.Time `json:"sent_at,omitempty"`
}

// Item converts the envelope into the collector's input.
func (e ItemEnvelope) Item() domain.IncomingItem {
	receivedAt := e.SentAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return domain.IncomingItem{
		SourceID:   e.SourceID,
		MessageID:  e.MessageID,
		GroupID:    e.GroupID,
		Text:       e.Text,
		Media:      domain.MediaRef{Kind: domain.MediaKind(e.MediaKind), FileID: e.MediaFileID},
		ReceivedAt: receivedAt,
	}
}

// Consumer feeds queued item envelopes through the same collector the update
// listener uses.
type Consumer struct {
	url       string
	queue     string
	collector *usecase.Collector
	log       *slog.Logger
}

// NewConsumer builds an intake bound to one queue.
func NewConsumer(url, queue string, collector *usecase.Collector, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{url: url, queue: queue, collector: collector, log: log}
}

// Run consumes deliveries until ctx is cancelled. Malformed payloads are
// acked and dropped; collect failures are requeued once the broker redelivers.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}

	deliveries, err := ch.Consume(c.queue, "channelrelay", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.log.Info("amqp intake started", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var env ItemEnvelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		c.log.Error("malformed envelope, dropping", "error", err)
		_ = delivery.Ack(false)
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	item := env.Item()
	if item.MessageID == 0 {
		item.MessageID = syntheticMessageID(env.ID)
	}

	if err := c.collector.Collect(ctx, item); err != nil {
		c.log.Error("collect envelope, requeueing",
			"envelope", env.ID, "source", env.SourceID, "message", env.MessageID, "error", err)
		_ = delivery.Nack(false, true)
		return
	}

	c.log.Debug("envelope collected", "envelope", env.ID, "source", env.SourceID)
	_ = delivery.Ack(false)
}

// syntheticMessageID derives a stable dedup key from the envelope id for
// producers that have no platform message id, so broker redeliveries of the
// same envelope still collapse in the dedup store.
func syntheticMessageID(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64() >> 1)
}
