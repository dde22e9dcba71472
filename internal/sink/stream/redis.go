package stream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

// RedisSink appends the event envelope to a Redis Stream via XADD.
type RedisSink struct {
	name   string
	client *redis.Client
	stream string
	logger zerolog.Logger
}

// NewRedisSink wraps a redis.Client publishing to the named stream key.
func NewRedisSink(name string, client *redis.Client, streamKey string, logger zerolog.Logger) *RedisSink {
	return &RedisSink{name: name, client: client, stream: streamKey, logger: logger}
}

// Name identifies this sink for metrics and logs.
func (s *RedisSink) Name() string { return "redis:" + s.name }

// Write appends one entry, capping the stream to a bounded approximate
// length so an unconsumed stream cannot grow without limit.
func (s *RedisSink) Write(ctx context.Context, event processor.DecodedEvent) error {
	data, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("redis sink %s: marshal: %w", s.name, err)
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: 1_000_000,
		Approx: true,
		Values: map[string]any{
			"id":      dedupeKey(event),
			"payload": string(data),
		},
	}).Err()
}

// Close closes the underlying Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
