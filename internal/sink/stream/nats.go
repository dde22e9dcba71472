package stream

import (
	"context"
	"fmt"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

// NATSSink publishes to a JetStream stream with per-message deduplication,
// carried over from the teacher's internal/nats/publisher.go almost
// unchanged: same CreateOrUpdateStream-on-connect, same
// jetstream.WithMsgID dedup idiom, generalized from a fixed "POLYMARKET"
// subject prefix to a configurable one.
type NATSSink struct {
	name   string
	nc     *natsio.Conn
	js     jetstream.JetStream
	prefix string
	logger zerolog.Logger
}

// NewNATSSink connects to natsURL, ensures the named stream exists, and
// returns a ready sink.
func NewNATSSink(ctx context.Context, name, natsURL, streamName, subjectPrefix string, maxAge time.Duration, logger zerolog.Logger) (*NATSSink, error) {
	nc, err := natsio.Connect(natsURL,
		natsio.Name("rindexer"),
		natsio.MaxReconnects(-1),
		natsio.ReconnectWait(2*time.Second),
		natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		natsio.ReconnectHandler(func(_ *natsio.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats sink %s: connect: %w", name, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats sink %s: jetstream: %w", name, err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".*"},
		MaxAge:     maxAge,
		Storage:    jetstream.FileStorage,
		Duplicates: 20 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats sink %s: create stream: %w", name, err)
	}

	return &NATSSink{name: name, nc: nc, js: js, prefix: subjectPrefix, logger: logger}, nil
}

// Name identifies this sink for metrics and logs.
func (s *NATSSink) Name() string { return "nats:" + s.name }

// Write publishes one event, deduplicated by tx hash + log index.
func (s *NATSSink) Write(ctx context.Context, event processor.DecodedEvent) error {
	data, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("nats sink %s: marshal: %w", s.name, err)
	}

	subject := fmt.Sprintf("%s.%s", s.prefix, event.Name)
	_, err = s.js.Publish(ctx, subject, data, jetstream.WithMsgID(dedupeKey(event)))
	if err != nil {
		return fmt.Errorf("nats sink %s: publish: %w", s.name, err)
	}
	return nil
}

// Close closes the NATS connection.
func (s *NATSSink) Close() error {
	s.nc.Close()
	return nil
}
