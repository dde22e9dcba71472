// Package scheduler builds one fetcher+processor pipeline per manifest
// contract/network/address-set, bounds how many run concurrently with an
// admission semaphore, and coordinates their shutdown through a shared
// tracker. It generalizes internal/syncer/syncer.go's single-pipeline
// backfill/realtime switch (already folded into internal/fetcher's own
// state machine) from one hardcoded pipeline to an open, possibly
// factory-discovered set of them, all behind one admission gate.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/abidecode"
	"github.com/rindexer-go/indexer-core/internal/checkpoint"
	"github.com/rindexer-go/indexer-core/internal/factory"
	"github.com/rindexer-go/indexer-core/internal/fetcher"
	"github.com/rindexer-go/indexer-core/internal/manifest"
	"github.com/rindexer-go/indexer-core/internal/predicate"
	"github.com/rindexer-go/indexer-core/internal/processor"
	"github.com/rindexer-go/indexer-core/internal/provider"
	"github.com/rindexer-go/indexer-core/internal/sink"
	"github.com/rindexer-go/indexer-core/internal/tracker"
)

// SinkResolver builds the fan-out destination for one contract. Called once
// per pipeline at admission time; a contract with no configured storage or
// streams is valid and simply decodes and counts events without dispatching
// them anywhere.
type SinkResolver func(contract manifest.Contract) ([]sink.Dispatcher, error)

// Dependencies are the shared, already-constructed resources every pipeline
// draws on. Scheduler does not own their lifecycle — the caller opens and
// closes the provider pool and checkpoint store around Scheduler.Run.
type Dependencies struct {
	Providers     *provider.Pool
	Checkpoints   *checkpoint.Store
	Tracker       *tracker.Tracker
	// Barrier enforces manifest-declared dependency ordering across every
	// pipeline's Processor; shared so a dependency group can be referenced
	// across contracts, not just within one.
	Barrier       *processor.DependencyBarrier
	ChannelSize   int
	MaxConcurrent int
	Logger        zerolog.Logger
}

// PipelineSpec is everything needed to run one fetcher+processor pipeline,
// whether sourced from the manifest at startup or from mid-run factory
// discovery.
type PipelineSpec struct {
	ID           checkpoint.PipelineID
	ContractName string
	Network      manifest.Network
	Addresses    []common.Address
	Topics       [][]common.Hash
	Events       []abidecode.EventDescriptor
	Filters      map[string]predicate.Expr
	DependsOn    map[string][]string
	StartBlock   uint64
	EndBlock     *uint64
	Mode         fetcher.Mode
	Sinks        []sink.Dispatcher
	Discoverer   *factory.Discoverer
}

// Scheduler admits and runs pipelines, each behind the same admission
// semaphore, deduplicating by PipelineID so a factory rediscovery or a
// manifest reload can never start the same pipeline twice.
type Scheduler struct {
	deps      Dependencies
	resolve   SinkResolver
	logger    zerolog.Logger
	admission chan struct{}

	mu      sync.Mutex
	started map[checkpoint.PipelineID]bool

	// runFn runs one pipeline to completion; a field rather than a direct
	// call to runPipeline so tests can substitute a fast fake instead of
	// dialing a real provider.
	runFn func(ctx context.Context, spec PipelineSpec) error
}

// New builds a Scheduler. resolve is called once per pipeline (manifest or
// factory-discovered) to build its sink fan-out.
func New(deps Dependencies, resolve SinkResolver) *Scheduler {
	maxConcurrent := deps.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Scheduler{
		deps:      deps,
		resolve:   resolve,
		logger:    deps.Logger.With().Str("component", "scheduler").Logger(),
		admission: make(chan struct{}, maxConcurrent),
		started:   make(map[checkpoint.PipelineID]bool),
	}
	s.runFn = s.runPipeline
	return s
}

// Run builds and admits one pipeline per contract/network detail in m,
// each running in mode (HistoricalOnly | HistoricalThenLive | LiveOnly, per
// spec.md §4.5's start_indexing(manifest, mode)). It returns once every
// configured pipeline has been admitted; the pipelines themselves keep
// running in the background until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, m *manifest.Manifest, mode fetcher.Mode) error {
	for ci := range m.Contracts {
		c := m.Contracts[ci]

		if c.Factory != nil && len(c.Details) == 0 {
			return fmt.Errorf("contract %s: factory discovery requires at least one details entry to attach to", c.Name)
		}

		for di := range c.Details {
			d := c.Details[di]

			network, ok := m.NetworkByName(d.Network)
			if !ok {
				return fmt.Errorf("contract %s: unknown network %s", c.Name, d.Network)
			}

			addresses, err := toAddresses(d.AddressList())
			if err != nil {
				return fmt.Errorf("contract %s: %w", c.Name, err)
			}

			sinks, err := s.resolve(c)
			if err != nil {
				return fmt.Errorf("contract %s: resolving sinks: %w", c.Name, err)
			}

			var startBlock uint64
			if d.StartBlock != nil {
				startBlock = *d.StartBlock
			}

			id := checkpoint.PipelineID(fmt.Sprintf("%s:%s:%d", c.Name, d.Network, di))

			var discoverer *factory.Discoverer
			if c.Factory != nil {
				childABI, err := abidecode.ParseABI(c.Factory.ABI)
				if err != nil {
					return fmt.Errorf("contract %s: factory abi: %w", c.Name, err)
				}
				childEvents, err := abidecode.EventDescriptors(childABI, nil)
				if err != nil {
					return fmt.Errorf("contract %s: factory abi: %w", c.Name, err)
				}
				discoverer = factory.New(d.Network, c.Factory.EventName, c.Factory.InputName, childABI, childEvents, s.spawnChild(c, network, sinks, mode), s.logger)
			}

			spec := PipelineSpec{
				ID:           id,
				ContractName: c.Name,
				Network:      network,
				Addresses:    addresses,
				Topics:       buildTopics(c.Events, d.Filter),
				Events:       c.Events,
				Filters:      c.Filters,
				DependsOn:    c.DependsOn,
				StartBlock:   startBlock,
				EndBlock:     d.EndBlock,
				Mode:         mode,
				Sinks:        sinks,
				Discoverer:   discoverer,
			}

			if err := s.AdmitPipeline(ctx, spec); err != nil {
				return fmt.Errorf("contract %s: %w", c.Name, err)
			}
		}
	}
	return nil
}

// spawnChild returns a factory.Spawn bound to parent's sink configuration,
// called once per newly discovered child contract address.
func (s *Scheduler) spawnChild(parent manifest.Contract, network manifest.Network, sinks []sink.Dispatcher, mode fetcher.Mode) factory.Spawn {
	return func(ctx context.Context, child factory.ChildPipelineSpec) error {
		spec := PipelineSpec{
			ID:           checkpoint.PipelineID(fmt.Sprintf("%s:factory:%s", parent.Name, child.Address.Hex())),
			ContractName: parent.Name,
			Network:      network,
			Addresses:    []common.Address{child.Address},
			Topics:       buildTopics(child.Events, nil),
			Events:       child.Events,
			Filters:      parent.Filters,
			DependsOn:    parent.DependsOn,
			StartBlock:   child.StartBlock,
			Mode:         mode,
			Sinks:        sinks,
		}
		return s.AdmitPipeline(ctx, spec)
	}
}

// AdmitPipeline registers spec under the admission semaphore and starts it
// in a new goroutine, unless a pipeline with the same ID is already
// running. It blocks only until a slot is free or ctx is cancelled; the
// pipeline itself runs for as long as ctx stays alive.
func (s *Scheduler) AdmitPipeline(ctx context.Context, spec PipelineSpec) error {
	s.mu.Lock()
	if s.started[spec.ID] {
		s.mu.Unlock()
		return nil
	}
	s.started[spec.ID] = true
	s.mu.Unlock()

	select {
	case s.admission <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := s.deps.Tracker.Register("pipeline:" + string(spec.ID))

	go func() {
		defer func() { <-s.admission }()
		defer done()

		if err := s.runFn(ctx, spec); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("pipeline", string(spec.ID)).Msg("pipeline exited with error")
		}
	}()

	return nil
}

// runPipeline wires one fetcher, processor, and sink fan-out together and
// drives them until ctx is cancelled, advancing the checkpoint after every
// processed batch.
func (s *Scheduler) runPipeline(ctx context.Context, spec PipelineSpec) error {
	client, err := s.deps.Providers.Get(ctx, spec.Network)
	if err != nil {
		return fmt.Errorf("pipeline %s: dial provider: %w", spec.ID, err)
	}

	cp, err := s.deps.Checkpoints.GetOrStart(spec.ID, spec.StartBlock)
	if err != nil {
		return fmt.Errorf("pipeline %s: load checkpoint: %w", spec.ID, err)
	}

	channelSize := s.deps.ChannelSize
	if channelSize <= 0 {
		channelSize = 1
	}
	batches := make(chan fetcher.Batch, channelSize)

	fetcherCfg := fetcher.Config{
		PipelineID:        spec.ID,
		Addresses:         spec.Addresses,
		Topics:            spec.Topics,
		MaxBlockRange:     spec.Network.MaxBlockRange,
		ReorgSafeDistance: spec.Network.ReorgSafeDistance,
		PollInterval:      spec.Network.PollInterval(),
		EndBlock:          spec.EndBlock,
		Mode:              spec.Mode,
	}
	f := fetcher.New(fetcherCfg, client, batches, s.logger)

	fanout := sink.NewFanout(spec.Sinks, s.logger)
	dispatch := func(ctx context.Context, event processor.DecodedEvent) error {
		err := fanout.Dispatch(ctx, event)
		if spec.Discoverer != nil {
			if obsErr := spec.Discoverer.Observe(ctx, event); obsErr != nil {
				s.logger.Warn().Err(obsErr).Str("pipeline", string(spec.ID)).Msg("factory discovery observe failed")
			}
		}
		return err
	}

	proc := processor.New(spec.ID, spec.ContractName, spec.Events, spec.Filters, spec.DependsOn, s.deps.Barrier, dispatch, s.logger)

	fetcherCtx, cancelFetcher := context.WithCancel(ctx)
	defer cancelFetcher()

	fetcherErr := make(chan error, 1)
	go func() { fetcherErr <- f.Run(fetcherCtx, cp.LastBlock) }()

	for {
		select {
		case batch := <-batches:
			if err := s.processAndCheckpoint(ctx, spec.ID, proc, batch); err != nil {
				s.logger.Error().Err(err).Str("pipeline", string(spec.ID)).Msg("batch processing failed fatally, halting pipeline")
				cancelFetcher()
				<-fetcherErr
				return fmt.Errorf("pipeline %s: %w", spec.ID, err)
			}

		case err := <-fetcherErr:
			s.drainRemaining(ctx, spec.ID, proc, batches)
			return err
		}
	}
}

// processAndCheckpoint processes one batch and advances the checkpoint only
// if processing fully succeeded; a fatal error (unacknowledged dispatch) is
// returned to the caller instead of being checkpointed past.
func (s *Scheduler) processAndCheckpoint(ctx context.Context, id checkpoint.PipelineID, proc *processor.Processor, batch fetcher.Batch) error {
	if err := proc.ProcessBatch(ctx, batch); err != nil {
		return err
	}
	if err := s.deps.Checkpoints.Advance(ctx, checkpoint.Checkpoint{PipelineID: id, LastBlock: batch.ToBlock}); err != nil {
		s.logger.Error().Err(err).Str("pipeline", string(id)).Msg("checkpoint advance failed")
	}
	return nil
}

// drainRemaining processes any batches already buffered on the channel
// after the fetcher has stopped sending, so a batch fetched just before
// shutdown is never silently dropped.
func (s *Scheduler) drainRemaining(ctx context.Context, id checkpoint.PipelineID, proc *processor.Processor, batches chan fetcher.Batch) {
	for {
		select {
		case batch := <-batches:
			if err := s.processAndCheckpoint(context.Background(), id, proc, batch); err != nil {
				s.logger.Error().Err(err).Str("pipeline", string(id)).Msg("batch processing failed fatally during drain")
				return
			}
		default:
			return
		}
	}
}

func toAddresses(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, a := range raw {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid address %q", a)
		}
		out = append(out, common.HexToAddress(a))
	}
	return out, nil
}

// buildTopics assembles the eth_getLogs topic filter: position 0 is every
// configured event's signature hash (an OR set), positions 1-3 are the
// manifest's optional per-slot value allowlist. Trailing positions with no
// allowed values are left off.
func buildTopics(events []abidecode.EventDescriptor, filter *manifest.Filter) [][]common.Hash {
	sigs := make([]common.Hash, len(events))
	for i, e := range events {
		sigs[i] = e.SignatureHash
	}
	topics := [][]common.Hash{sigs}

	if filter != nil {
		topics = append(topics, hashesOf(filter.Indexed1), hashesOf(filter.Indexed2), hashesOf(filter.Indexed3))
	}
	for len(topics) > 1 && len(topics[len(topics)-1]) == 0 {
		topics = topics[:len(topics)-1]
	}
	return topics
}

func hashesOf(values []string) []common.Hash {
	if len(values) == 0 {
		return nil
	}
	out := make([]common.Hash, len(values))
	for i, v := range values {
		out[i] = common.HexToHash(v)
	}
	return out
}

// Shutdown waits for every admitted pipeline to stop, bounded by window.
func (s *Scheduler) Shutdown(ctx context.Context, window time.Duration) error {
	return s.deps.Tracker.Shutdown(ctx, window)
}
