package producer

import (
	"context"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"voicegate/internal/audit/domain"
)

// KafkaProducer publishes audit records to a Kafka topic using
// segmentio/kafka-go. Used by the audit sink when export is configured; the
// worker consumes the topic and pushes to Loki.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a producer for the given brokers and topic.
// Returns nil if brokers or topic are empty (export disabled). Call Close on
// shutdown.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: writer}
}

// Publish serializes the record as JSON and writes it, keyed by actor so one
// identity's records stay ordered within a partition.
func (p *KafkaProducer) Publish(ctx context.Context, rec *domain.Record) error {
	if p == nil || p.writer == nil || rec == nil {
		return nil
	}
	payload, err := gojson.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(rec.Actor),
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
