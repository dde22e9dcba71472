package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rindexer-go/indexer-core/internal/abidecode"
	"github.com/rindexer-go/indexer-core/internal/checkpoint"
	"github.com/rindexer-go/indexer-core/internal/manifest"
	"github.com/rindexer-go/indexer-core/internal/tracker"
)

func TestBuildTopicsIncludesSignatureHashesAndFilter(t *testing.T) {
	events := []abidecode.EventDescriptor{{SignatureHash: common.HexToHash("0xaa")}}
	topics := buildTopics(events, &manifest.Filter{Indexed1: []string{"0x01"}})
	require.Len(t, topics, 2)
	require.Len(t, topics[0], len(events))
	require.Equal(t, common.HexToHash("0x01"), topics[1][0])
}

func TestBuildTopicsWithoutFilterOmitsTrailingPositions(t *testing.T) {
	events := []abidecode.EventDescriptor{{SignatureHash: common.HexToHash("0xaa")}}
	topics := buildTopics(events, nil)
	require.Len(t, topics, 1)
}

func TestToAddressesRejectsInvalidHex(t *testing.T) {
	_, err := toAddresses([]string{"not-an-address"})
	require.Error(t, err)
}

func TestToAddressesParsesValidHex(t *testing.T) {
	out, err := toAddresses([]string{"0x0000000000000000000000000000000000000001"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, common.HexToAddress("0x01"), out[0])
}

func TestAdmitPipelineDeduplicatesByID(t *testing.T) {
	s := &Scheduler{
		deps:      Dependencies{Tracker: tracker.New(zerolog.Nop())},
		logger:    zerolog.Nop(),
		admission: make(chan struct{}, 2),
		started:   make(map[checkpoint.PipelineID]bool),
	}

	var calls int32
	ready := make(chan struct{})
	s.runFn = func(ctx context.Context, spec PipelineSpec) error {
		atomic.AddInt32(&calls, 1)
		close(ready)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.AdmitPipeline(ctx, PipelineSpec{ID: "p1"}))
	<-ready
	require.NoError(t, s.AdmitPipeline(ctx, PipelineSpec{ID: "p1"}))

	cancel()
	require.NoError(t, s.deps.Tracker.Shutdown(context.Background(), time.Second))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestAdmitPipelineBoundedByMaxConcurrent(t *testing.T) {
	s := &Scheduler{
		deps:      Dependencies{Tracker: tracker.New(zerolog.Nop())},
		logger:    zerolog.Nop(),
		admission: make(chan struct{}, 1),
		started:   make(map[checkpoint.PipelineID]bool),
	}

	var mu sync.Mutex
	running := 0
	maxObserved := 0
	block := make(chan struct{})

	s.runFn = func(ctx context.Context, spec PipelineSpec) error {
		mu.Lock()
		running++
		if running > maxObserved {
			maxObserved = running
		}
		mu.Unlock()
		<-block
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	require.NoError(t, s.AdmitPipeline(ctx, PipelineSpec{ID: "a"}))

	admitted := make(chan error, 1)
	go func() { admitted <- s.AdmitPipeline(ctx, PipelineSpec{ID: "b"}) }()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, maxObserved)
	mu.Unlock()

	close(block)
	require.NoError(t, <-admitted)
	require.NoError(t, s.deps.Tracker.Shutdown(context.Background(), time.Second))
}
