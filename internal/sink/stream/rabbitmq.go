package stream

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

// RabbitMQSink publishes to one exchange/routing-key pair over a single
// long-lived channel.
type RabbitMQSink struct {
	name       string
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     zerolog.Logger
}

// NewRabbitMQSink dials url, opens a channel, and declares exchange as a
// durable topic exchange.
func NewRabbitMQSink(name, url, exchange, routingKey string, logger zerolog.Logger) (*RabbitMQSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq sink %s: dial: %w", name, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq sink %s: open channel: %w", name, err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq sink %s: declare exchange: %w", name, err)
	}

	return &RabbitMQSink{name: name, conn: conn, channel: ch, exchange: exchange, routingKey: routingKey, logger: logger}, nil
}

// Name identifies this sink for metrics and logs.
func (s *RabbitMQSink) Name() string { return "rabbitmq:" + s.name }

// Write publishes one persistent message.
func (s *RabbitMQSink) Write(ctx context.Context, event processor.DecodedEvent) error {
	data, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("rabbitmq sink %s: marshal: %w", s.name, err)
	}

	return s.channel.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dedupeKey(event),
		Body:         data,
	})
}

// Close closes the channel and connection.
func (s *RabbitMQSink) Close() error {
	s.channel.Close()
	return s.conn.Close()
}
