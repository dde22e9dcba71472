// Package sink defines the Dispatcher interface every sink backend
// implements and a Fanout that writes one decoded event to N sinks with
// per-sink isolation, generalizing the teacher's single-destination
// NATS publish (internal/nats/publisher.go) plus the consumer's
// storeEvent dispatch (cmd/consumer/main.go) into an arbitrary sink set.
package sink

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

var (
	writeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rindexer_sink_write_errors_total",
		Help: "Total number of sink write failures, by sink",
	}, []string{"sink"})

	writeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rindexer_sink_write_duration_seconds",
		Help:    "Time taken for one sink to write one event",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
)

// Dispatcher is one sink backend: relational, columnar, flat-file, or
// stream. Sinks that can also write a whole slice of events at once
// (e.g. ClickHouse batch inserts) implement BulkWriter as well.
type Dispatcher interface {
	Name() string
	Write(ctx context.Context, event processor.DecodedEvent) error
	Close() error
}

// BulkWriter is implemented by sinks that can write an entire batch more
// efficiently than one event at a time.
type BulkWriter interface {
	WriteBatch(ctx context.Context, events []processor.DecodedEvent) error
}

// Fanout writes one decoded event to every configured sink, isolating
// failures so one broken sink (e.g. an unreachable webhook) never blocks
// the others.
type Fanout struct {
	sinks  []Dispatcher
	logger zerolog.Logger
}

// NewFanout builds a Fanout over sinks.
func NewFanout(sinks []Dispatcher, logger zerolog.Logger) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Dispatch is a processor.Dispatch: write event to every sink concurrently
// and require every sink to ack before returning nil. A single failing
// sink fails the whole dispatch, so a caller never advances its checkpoint
// past data a configured destination never persisted.
func (f *Fanout) Dispatch(ctx context.Context, event processor.DecodedEvent) error {
	if len(f.sinks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			start := time.Now()
			err := s.Write(gctx, event)
			writeDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				writeErrors.WithLabelValues(s.Name()).Inc()
				f.logger.Error().Err(err).Str("sink", s.Name()).Str("event", event.Name).Msg("sink write failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every sink, collecting but not stopping on individual
// errors.
func (f *Fanout) Close() error {
	var first error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
