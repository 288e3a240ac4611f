package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/estatepay/internal/metrics"
)

// DefaultTopic is the topic sales events are written to.
const DefaultTopic = "sales.events"

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic, keyed by invoice id so the
// hash balancer keeps one sale on one partition.
type KafkaPublisher struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher creates a synchronous publisher for the given brokers.
// Writes wait for all in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
	}
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{w: w, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("events: encode %s: %w", e.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.InvoiceID),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
				{Key: "event-id", Value: []byte(e.ID)},
			},
		})
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		for _, e := range events {
			metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "error").Inc()
		}
		p.logger.Warn("failed to publish events", "topic", p.topic, "count", len(events), "error", err)
		return fmt.Errorf("events: write to %s: %w", p.topic, err)
	}
	for _, e := range events {
		metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "ok").Inc()
	}
	return nil
}

// Close flushes pending writes and releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
