package fetcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	latest  uint64
	logsFor map[[2]uint64][]types.Log
}

func (f *fakeClient) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeClient) GetLogsAdaptive(ctx context.Context, addresses []common.Address, topics [][]common.Hash, fromBlock, toBlock, userMaxRange uint64) ([]types.Log, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logsFor[[2]uint64{fromBlock, toBlock}], toBlock, nil
}

func TestFetchHistoricalAdvancesOneChunk(t *testing.T) {
	client := &fakeClient{latest: 105, logsFor: map[[2]uint64][]types.Log{
		{1, 10}: {{BlockNumber: 5}},
	}}
	out := make(chan Batch, 10)
	f := New(Config{PipelineID: "p1", MaxBlockRange: 10, ReorgSafeDistance: 5}, client, out, zerolog.Nop())

	next, caughtUp, err := f.fetchHistorical(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, caughtUp)
	require.Equal(t, uint64(10), next)

	select {
	case b := <-out:
		require.Equal(t, uint64(1), b.FromBlock)
		require.Equal(t, uint64(10), b.ToBlock)
		require.Len(t, b.Logs, 1)
	default:
		t.Fatal("expected a batch on out")
	}
}

func TestFetchHistoricalReportsCaughtUp(t *testing.T) {
	client := &fakeClient{latest: 100, logsFor: map[[2]uint64][]types.Log{}}
	out := make(chan Batch, 10)
	f := New(Config{PipelineID: "p1", MaxBlockRange: 10, ReorgSafeDistance: 5}, client, out, zerolog.Nop())

	// safe head = 95; already indexed through 95
	next, caughtUp, err := f.fetchHistorical(context.Background(), 95)
	require.NoError(t, err)
	require.True(t, caughtUp)
	require.Equal(t, uint64(95), next)
}

func TestFetchLiveReportsIdleWhenNothingNew(t *testing.T) {
	client := &fakeClient{latest: 50, logsFor: map[[2]uint64][]types.Log{}}
	out := make(chan Batch, 10)
	f := New(Config{PipelineID: "p1", MaxBlockRange: 10, ReorgSafeDistance: 10}, client, out, zerolog.Nop())

	// safe head = 40; already indexed through 40
	next, idle, err := f.fetchLive(context.Background(), 40)
	require.NoError(t, err)
	require.True(t, idle)
	require.Equal(t, uint64(40), next)
}

func TestRunTransitionsToLiveTailingAndRespectsCancellation(t *testing.T) {
	client := &fakeClient{latest: 10, logsFor: map[[2]uint64][]types.Log{}}
	out := make(chan Batch, 10)
	f := New(Config{PipelineID: "p1", MaxBlockRange: 10, ReorgSafeDistance: 0, PollInterval: 5 * time.Millisecond}, client, out, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, 10) }()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateLiveTailing, f.State())
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.Equal(t, StateTerminated, f.State())
}

func TestBlockMayContainEvents(t *testing.T) {
	addr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	var bloom types.Bloom
	bloom.Add(addr.Bytes())

	require.True(t, BlockMayContainEvents(bloom, []common.Address{addr}, nil))

	other := common.HexToAddress("0x0000000000000000000000000000000000000099")
	require.False(t, BlockMayContainEvents(bloom, []common.Address{other}, nil))
}
