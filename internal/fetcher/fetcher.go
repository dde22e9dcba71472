// Package fetcher runs the per-pipeline log-fetching state machine:
// historical catch-up against the safe (reorg-distance-adjusted) chain
// head, then a hand-off to live tailing, publishing bounded batches of
// decoded-ready logs to a channel. It generalizes the ticker-driven poll
// loop in the teacher's internal/syncer/syncer.go using the mode-switch
// shape of the ChainIndexor reference fetcher (fetchBackfill/fetchLive).
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/checkpoint"
)

// ChainClient is the subset of *provider.Client the fetcher needs; defined
// here so tests can substitute a fake instead of dialing real RPC.
type ChainClient interface {
	LatestBlock(ctx context.Context) (uint64, error)
	GetLogsAdaptive(ctx context.Context, addresses []common.Address, topics [][]common.Hash, fromBlock, toBlock, userMaxRange uint64) ([]types.Log, uint64, error)
}

// Mode selects how far a pipeline's state machine is allowed to run,
// mirroring spec.md §4.5's start_indexing(manifest, mode) parameter.
type Mode int

const (
	// ModeHistoricalThenLive runs historical catch-up to the safe head,
	// then hands off to live tailing indefinitely (the default).
	ModeHistoricalThenLive Mode = iota
	// ModeHistoricalOnly runs historical catch-up only, never switching to
	// live tailing. Once caught up to the safe head it waits PollInterval and
	// checks again; the pipeline terminates only on reaching end_block or
	// when ctx is cancelled.
	ModeHistoricalOnly
	// ModeLiveOnly skips historical catch-up entirely and starts directly
	// in live tailing from lastIndexedBlock.
	ModeLiveOnly
)

func (m Mode) String() string {
	switch m {
	case ModeHistoricalOnly:
		return "historical_only"
	case ModeLiveOnly:
		return "live_only"
	default:
		return "historical_then_live"
	}
}

// State is one stage of a pipeline's life cycle.
type State int

const (
	StateHistoricalCatchUp State = iota
	StateLiveTailing
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateHistoricalCatchUp:
		return "historical_catch_up"
	case StateLiveTailing:
		return "live_tailing"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Batch is one fetched, still-undecoded range of logs for a pipeline.
type Batch struct {
	PipelineID checkpoint.PipelineID
	FromBlock  uint64
	ToBlock    uint64
	Logs       []types.Log
}

// Config parameterizes one Fetcher instance.
type Config struct {
	PipelineID        checkpoint.PipelineID
	Addresses         []common.Address
	Topics            [][]common.Hash
	MaxBlockRange     uint64
	ReorgSafeDistance uint32
	PollInterval      time.Duration
	// EndBlock, when set, bounds historical and live fetching: the
	// pipeline terminates once its cursor reaches or passes it.
	EndBlock *uint64
	Mode     Mode
}

// Fetcher owns one pipeline's log-fetching state machine.
type Fetcher struct {
	cfg    Config
	client ChainClient
	out    chan<- Batch
	logger zerolog.Logger
	state  State
}

// New builds a Fetcher that writes batches to out. out's capacity is the
// caller's responsibility (bounded to rconfig.MaxChannelSize).
func New(cfg Config, client ChainClient, out chan<- Batch, logger zerolog.Logger) *Fetcher {
	initial := StateHistoricalCatchUp
	if cfg.Mode == ModeLiveOnly {
		initial = StateLiveTailing
	}
	return &Fetcher{
		cfg:    cfg,
		client: client,
		out:    out,
		logger: logger.With().Str("pipeline", string(cfg.PipelineID)).Str("mode", cfg.Mode.String()).Logger(),
		state:  initial,
	}
}

// endBlockReached reports whether cursor has reached or passed the
// configured end_block; always false when no end_block is set.
func (f *Fetcher) endBlockReached(cursor uint64) bool {
	return f.cfg.EndBlock != nil && cursor >= *f.cfg.EndBlock
}

// State returns the fetcher's current life-cycle state.
func (f *Fetcher) State() State {
	return f.state
}

// Run drives the state machine until ctx is cancelled, at which point it
// passes through Draining into Terminated and returns an error. A fetch in
// progress is cut short by the cancelled ctx, and a batch that out has not
// yet accepted is dropped.
func (f *Fetcher) Run(ctx context.Context, lastIndexedBlock uint64) error {
	next := lastIndexedBlock

	for {
		select {
		case <-ctx.Done():
			f.state = StateDraining
			f.logger.Info().Uint64("last_indexed", next).Msg("fetcher draining")
			f.state = StateTerminated
			return ctx.Err()
		default:
		}

		switch f.state {
		case StateHistoricalCatchUp:
			advanced, caughtUp, err := f.fetchHistorical(ctx, next)
			if err != nil {
				return fmt.Errorf("fetcher %s: historical catch-up: %w", f.cfg.PipelineID, err)
			}
			next = advanced

			if f.endBlockReached(next) {
				f.logger.Info().Uint64("at_block", next).Msg("reached end_block, terminating")
				f.state = StateTerminated
				continue
			}

			if caughtUp {
				if f.cfg.Mode == ModeHistoricalOnly {
					// Nothing more to fetch yet and no live phase to hand off
					// to; wait and recheck the safe head, matching the
					// historical table's retry-on-no-progress behavior.
					select {
					case <-ctx.Done():
						continue
					case <-time.After(f.cfg.PollInterval):
					}
					continue
				}
				f.logger.Info().Uint64("at_block", next).Msg("historical catch-up complete, switching to live tailing")
				f.state = StateLiveTailing
			}

		case StateLiveTailing:
			advanced, idle, err := f.fetchLive(ctx, next)
			if err != nil {
				return fmt.Errorf("fetcher %s: live tailing: %w", f.cfg.PipelineID, err)
			}
			next = advanced

			if f.endBlockReached(next) {
				f.logger.Info().Uint64("at_block", next).Msg("reached end_block, terminating")
				f.state = StateTerminated
				continue
			}

			if idle {
				select {
				case <-ctx.Done():
					continue
				case <-time.After(f.cfg.PollInterval):
				}
			}

		case StateDraining, StateTerminated:
			return nil
		}
	}
}

// safeHead returns the highest block number safe to index given the
// network's reorg safety distance.
func (f *Fetcher) safeHead(ctx context.Context) (uint64, error) {
	latest, err := f.client.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	distance := uint64(f.cfg.ReorgSafeDistance)
	if latest < distance {
		return 0, nil
	}
	return latest - distance, nil
}

// fetchHistorical fetches one chunk ending at min(fromBlock+maxRange-1,
// safeHead). It returns the new last-indexed block and whether the pipeline
// has caught up to the safe head (no chunk fetched).
func (f *Fetcher) fetchHistorical(ctx context.Context, lastIndexedBlock uint64) (uint64, bool, error) {
	safe, err := f.safeHead(ctx)
	if err != nil {
		return lastIndexedBlock, false, err
	}

	fromBlock := lastIndexedBlock + 1
	if fromBlock > safe {
		return lastIndexedBlock, true, nil
	}
	if f.cfg.EndBlock != nil && fromBlock > *f.cfg.EndBlock {
		return lastIndexedBlock, true, nil
	}

	toBlock := fromBlock + f.cfg.MaxBlockRange - 1
	if toBlock > safe {
		toBlock = safe
	}
	if f.cfg.EndBlock != nil && toBlock > *f.cfg.EndBlock {
		toBlock = *f.cfg.EndBlock
	}

	return f.fetchAndEmit(ctx, fromBlock, toBlock)
}

// fetchLive fetches whatever new blocks have become safe since
// lastIndexedBlock, chunked to MaxBlockRange to avoid one huge request
// after a pause. idle reports that there was nothing new to fetch.
func (f *Fetcher) fetchLive(ctx context.Context, lastIndexedBlock uint64) (uint64, bool, error) {
	safe, err := f.safeHead(ctx)
	if err != nil {
		return lastIndexedBlock, false, err
	}

	fromBlock := lastIndexedBlock + 1
	if fromBlock > safe {
		return lastIndexedBlock, true, nil
	}
	if f.cfg.EndBlock != nil && fromBlock > *f.cfg.EndBlock {
		return lastIndexedBlock, true, nil
	}

	toBlock := safe
	if toBlock-fromBlock+1 > f.cfg.MaxBlockRange {
		toBlock = fromBlock + f.cfg.MaxBlockRange - 1
	}
	if f.cfg.EndBlock != nil && toBlock > *f.cfg.EndBlock {
		toBlock = *f.cfg.EndBlock
	}

	next, _, err := f.fetchAndEmit(ctx, fromBlock, toBlock)
	return next, false, err
}

func (f *Fetcher) fetchAndEmit(ctx context.Context, fromBlock, toBlock uint64) (uint64, bool, error) {
	logs, coveredUpTo, err := f.client.GetLogsAdaptive(ctx, f.cfg.Addresses, f.cfg.Topics, fromBlock, toBlock, f.cfg.MaxBlockRange)
	if err != nil {
		return fromBlock - 1, false, err
	}

	batch := Batch{
		PipelineID: f.cfg.PipelineID,
		FromBlock:  fromBlock,
		ToBlock:    coveredUpTo,
		Logs:       logs,
	}

	select {
	case f.out <- batch:
	case <-ctx.Done():
		return fromBlock - 1, false, ctx.Err()
	}

	f.logger.Debug().Uint64("from", fromBlock).Uint64("to", coveredUpTo).Int("logs", len(logs)).Msg("fetched batch")
	return coveredUpTo, false, nil
}

// BlockMayContainEvents uses a block header's bloom filter to cheaply rule
// out blocks that cannot contain any log matching addresses/topics,
// avoiding an eth_getLogs round-trip for blocks known in advance to be
// irrelevant (useful for single-block live-tailing chunks).
func BlockMayContainEvents(bloom types.Bloom, addresses []common.Address, topics [][]common.Hash) bool {
	for _, addr := range addresses {
		if types.BloomLookup(bloom, addr) {
			return true
		}
	}
	for _, topicSet := range topics {
		for _, topic := range topicSet {
			if types.BloomLookup(bloom, topic) {
				return true
			}
		}
	}
	return len(addresses) == 0 && len(topics) == 0
}
