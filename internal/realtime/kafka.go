package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"call-signaling/internal/metrics"
	"call-signaling/internal/outbox"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPusher publishes every event for out-of-process push gateways
// (mobile push, other regions). Messages are keyed by recipient so one
// recipient's events stay in one partition, in cursor order.
type KafkaPusher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPusher(brokers []string, topic string, log *slog.Logger) *KafkaPusher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			metrics.KafkaPublishFailureTotal.WithLabelValues(topic).Add(float64(len(msgs)))
			log.Error("kafka publish failed", "topic", topic, "messages", len(msgs), "error", err.Error())
		},
	}
	return &KafkaPusher{writer: w, topic: topic}
}

func (p *KafkaPusher) Push(ctx context.Context, e outbox.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.RecipientID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "idempotency_key", Value: []byte(e.IdempotencyKey())},
		},
	})
	if err != nil {
		metrics.KafkaPublishFailureTotal.WithLabelValues(p.topic).Inc()
		metrics.PushAttemptsTotal.WithLabelValues("kafka", "error").Inc()
		return err
	}
	metrics.PushAttemptsTotal.WithLabelValues("kafka", "ok").Inc()
	return nil
}

func (p *KafkaPusher) Close() error {
	return p.writer.Close()
}
