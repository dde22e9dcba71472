package stream

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

// KafkaSink publishes to one topic via segmentio/kafka-go, keying each
// message on its dedupe key so a compacted topic converges to one record
// per (tx_hash, log_index).
type KafkaSink struct {
	name   string
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaSink builds a writer over brokers publishing to topic.
func NewKafkaSink(name string, brokers []string, topic string, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		name: name,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// Name identifies this sink for metrics and logs.
func (s *KafkaSink) Name() string { return "kafka:" + s.name }

// Write produces one message keyed by the event's dedupe key.
func (s *KafkaSink) Write(ctx context.Context, event processor.DecodedEvent) error {
	data, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("kafka sink %s: marshal: %w", s.name, err)
	}

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(dedupeKey(event)),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
