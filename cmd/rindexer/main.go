// Command rindexer is the indexer's sole entrypoint: it loads process
// configuration and the domain manifest, wires one pipeline per configured
// contract through the scheduler, serves metrics/health over HTTP, and
// coordinates graceful shutdown. Structured the same way as the teacher's
// cmd/indexer/main.go (load config, construct dependencies, start two HTTP
// servers, wait on a signal or a fatal error, shut down within a bounded
// window) generalized from one hardcoded chain/pipeline to the manifest's
// arbitrary set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/checkpoint"
	"github.com/rindexer-go/indexer-core/internal/fetcher"
	"github.com/rindexer-go/indexer-core/internal/manifest"
	"github.com/rindexer-go/indexer-core/internal/obs"
	"github.com/rindexer-go/indexer-core/internal/processor"
	"github.com/rindexer-go/indexer-core/internal/provider"
	"github.com/rindexer-go/indexer-core/internal/rconfig"
	"github.com/rindexer-go/indexer-core/internal/scheduler"
	"github.com/rindexer-go/indexer-core/internal/sink"
	"github.com/rindexer-go/indexer-core/internal/sink/clickhouse"
	"github.com/rindexer-go/indexer-core/internal/sink/csvsink"
	"github.com/rindexer-go/indexer-core/internal/sink/postgres"
	"github.com/rindexer-go/indexer-core/internal/sink/stream"
	"github.com/rindexer-go/indexer-core/internal/tracker"
)

func main() {
	logger := obs.NewLogger("rindexer")
	logger.Info().Msg("starting rindexer")

	cfg, err := rconfig.Load(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config.toml")
	}
	obs.SetLevel(logger, cfg.LogLevel)

	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load manifest")
	}
	logger.Info().Str("name", m.Name).Int("networks", len(m.Networks)).Int("contracts", len(m.Contracts)).Msg("loaded manifest")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := newSinkRegistry(ctx, cfg, m, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build sinks")
	}
	defer registry.Close()

	providerPool := provider.NewPool(cfg.MaxConcurrentTasks, cfg.RPCTimeout, *logger)
	defer providerPool.CloseAll()

	checkpointStore, err := checkpoint.Open(cfg.CheckpointPath, cfg.CheckpointTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open checkpoint store")
	}
	defer checkpointStore.Close()

	taskTracker := tracker.New(*logger)

	sched := scheduler.New(scheduler.Dependencies{
		Providers:     providerPool,
		Checkpoints:   checkpointStore,
		Tracker:       taskTracker,
		Barrier:       processor.NewDependencyBarrier(),
		ChannelSize:   cfg.ChannelSize,
		MaxConcurrent: cfg.MaxConcurrentTasks,
		Logger:        *logger,
	}, registry.resolve)

	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{Addr: cfg.HealthAddress, Handler: http.HandlerFunc(healthCheckHandler(taskTracker))}
	go func() {
		logger.Info().Str("address", cfg.HealthAddress).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	mode := parseIndexingMode(cfg.IndexingMode)
	logger.Info().Str("mode", mode.String()).Msg("starting scheduler")

	errChan := make(chan error, 1)
	go func() { errChan <- sched.Run(ctx, m, mode) }()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("scheduler failed to admit pipelines")
			break
		}
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	}

	logger.Info().Msg("shutting down")
	cancel()

	if err := sched.Shutdown(context.Background(), cfg.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("pipelines did not drain within shutdown window")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// parseIndexingMode maps the indexer.mode config string to a fetcher.Mode,
// defaulting to HistoricalThenLive (the zero value) for an empty or
// unrecognized setting.
func parseIndexingMode(raw string) fetcher.Mode {
	switch raw {
	case "historical_only":
		return fetcher.ModeHistoricalOnly
	case "live_only":
		return fetcher.ModeLiveOnly
	default:
		return fetcher.ModeHistoricalThenLive
	}
}

func healthCheckHandler(t *tracker.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\nactive pipelines: %v\n", t.Counts())
	}
}

// sinkRegistry holds every sink dispatcher built from the manifest's
// storage/streams config, opened once and shared across every pipeline
// that references it.
type sinkRegistry struct {
	postgres   sink.Dispatcher
	clickhouse sink.Dispatcher
	csv        sink.Dispatcher

	webhooks map[string]sink.Dispatcher
	nats     map[string]sink.Dispatcher
	kafka    map[string]sink.Dispatcher
	rabbitmq map[string]sink.Dispatcher
	sns      map[string]sink.Dispatcher
	sqs      map[string]sink.Dispatcher
	redis    map[string]sink.Dispatcher

	all []sink.Dispatcher
}

func newSinkRegistry(ctx context.Context, cfg *rconfig.Config, m *manifest.Manifest, logger zerolog.Logger) (*sinkRegistry, error) {
	reg := &sinkRegistry{
		webhooks: make(map[string]sink.Dispatcher),
		nats:     make(map[string]sink.Dispatcher),
		kafka:    make(map[string]sink.Dispatcher),
		rabbitmq: make(map[string]sink.Dispatcher),
		sns:      make(map[string]sink.Dispatcher),
		sqs:      make(map[string]sink.Dispatcher),
		redis:    make(map[string]sink.Dispatcher),
	}

	if m.Storage.Postgres != nil && m.Storage.Postgres.Enabled {
		s, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres sink: %w", err)
		}
		reg.postgres = s
		reg.all = append(reg.all, s)
	}

	if m.Storage.Clickhouse != nil && m.Storage.Clickhouse.Enabled {
		s, err := clickhouse.Open(ctx, cfg.ClickhouseAddress, "default", "default", "", logger)
		if err != nil {
			return nil, fmt.Errorf("clickhouse sink: %w", err)
		}
		reg.clickhouse = s
		reg.all = append(reg.all, s)
	}

	if m.Storage.CSV != nil && m.Storage.CSV.Enabled {
		s, err := csvsink.Open(m.Storage.CSV.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("csv sink: %w", err)
		}
		reg.csv = s
		reg.all = append(reg.all, s)
	}

	if m.Storage.Streams == nil {
		return reg, nil
	}

	for _, w := range m.Storage.Streams.Webhooks {
		s := stream.NewWebhookSink(w.Name, w.URL, w.Secret, cfg.SinkTimeout, logger)
		reg.webhooks[w.Name] = s
		reg.all = append(reg.all, s)
	}

	for _, n := range m.Storage.Streams.NATS {
		s, err := stream.NewNATSSink(ctx, n.Name, n.URL, n.StreamName, n.SubjectPrefix, n.MaxAge, logger)
		if err != nil {
			return nil, fmt.Errorf("nats sink %s: %w", n.Name, err)
		}
		reg.nats[n.Name] = s
		reg.all = append(reg.all, s)
	}

	for _, k := range m.Storage.Streams.Kafka {
		s := stream.NewKafkaSink(k.Name, k.Brokers, k.Topic, logger)
		reg.kafka[k.Name] = s
		reg.all = append(reg.all, s)
	}

	for _, r := range m.Storage.Streams.RabbitMQ {
		s, err := stream.NewRabbitMQSink(r.Name, r.URL, r.Exchange, r.RoutingKey, logger)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq sink %s: %w", r.Name, err)
		}
		reg.rabbitmq[r.Name] = s
		reg.all = append(reg.all, s)
	}

	if len(m.Storage.Streams.SNS) > 0 || len(m.Storage.Streams.SQS) > 0 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}

		for _, snsCfg := range m.Storage.Streams.SNS {
			client := sns.NewFromConfig(awsCfg)
			s := stream.NewSNSSink(snsCfg.Name, client, snsCfg.TopicARN, logger)
			reg.sns[snsCfg.Name] = s
			reg.all = append(reg.all, s)
		}

		for _, sqsCfg := range m.Storage.Streams.SQS {
			client := sqs.NewFromConfig(awsCfg)
			s := stream.NewSQSSink(sqsCfg.Name, client, sqsCfg.QueueURL, logger)
			reg.sqs[sqsCfg.Name] = s
			reg.all = append(reg.all, s)
		}
	}

	for _, r := range m.Storage.Streams.Redis {
		client := redis.NewClient(&redis.Options{Addr: r.Addr})
		s := stream.NewRedisSink(r.Name, client, r.Stream, logger)
		reg.redis[r.Name] = s
		reg.all = append(reg.all, s)
	}

	return reg, nil
}

// resolve is a scheduler.SinkResolver: it assembles the dispatcher list for
// one contract from its storage flags and named stream references.
func (reg *sinkRegistry) resolve(contract manifest.Contract) ([]sink.Dispatcher, error) {
	var out []sink.Dispatcher

	if reg.postgres != nil {
		out = append(out, reg.postgres)
	}
	if reg.clickhouse != nil {
		out = append(out, reg.clickhouse)
	}
	if reg.csv != nil {
		out = append(out, reg.csv)
	}

	if contract.Streams == nil {
		return out, nil
	}

	for _, name := range contract.Streams.Webhooks {
		s, ok := reg.webhooks[name]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown webhook stream %s", contract.Name, name)
		}
		out = append(out, s)
	}
	for _, name := range contract.Streams.NATS {
		s, ok := reg.nats[name]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown nats stream %s", contract.Name, name)
		}
		out = append(out, s)
	}
	for _, name := range contract.Streams.Kafka {
		s, ok := reg.kafka[name]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown kafka stream %s", contract.Name, name)
		}
		out = append(out, s)
	}
	for _, name := range contract.Streams.RabbitMQ {
		s, ok := reg.rabbitmq[name]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown rabbitmq stream %s", contract.Name, name)
		}
		out = append(out, s)
	}
	for _, name := range contract.Streams.SNS {
		s, ok := reg.sns[name]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown sns stream %s", contract.Name, name)
		}
		out = append(out, s)
	}
	for _, name := range contract.Streams.SQS {
		s, ok := reg.sqs[name]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown sqs stream %s", contract.Name, name)
		}
		out = append(out, s)
	}
	for _, name := range contract.Streams.Redis {
		s, ok := reg.redis[name]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown redis stream %s", contract.Name, name)
		}
		out = append(out, s)
	}

	return out, nil
}

// Close closes every opened sink, collecting but not stopping on individual
// errors, the same tolerant shutdown shape as sink.Fanout.Close.
func (reg *sinkRegistry) Close() error {
	var first error
	for _, s := range reg.all {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
