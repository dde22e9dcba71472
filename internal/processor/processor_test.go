package processor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rindexer-go/indexer-core/internal/abidecode"
	"github.com/rindexer-go/indexer-core/internal/fetcher"
	"github.com/rindexer-go/indexer-core/internal/predicate"
)

const transferABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

func buildTransferLog(t *testing.T, value int64) (abidecode.EventDescriptor, types.Log) {
	t.Helper()
	parsed, err := abidecode.ParseABI([]byte(transferABI))
	require.NoError(t, err)
	descriptors, err := abidecode.EventDescriptors(parsed, []string{"Transfer"})
	require.NoError(t, err)
	d := descriptors[0]

	from := common.HexToAddress("0x0000000000000000000000000000000000000001")
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	data, err := parsed.Events["Transfer"].Inputs.NonIndexed().Pack(big.NewInt(value))
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{d.SignatureHash, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:   data,
	}
	return d, log
}

func TestProcessBatchDispatchesDecodedEvent(t *testing.T) {
	d, log := buildTransferLog(t, 5000)

	var dispatched []DecodedEvent
	dispatch := func(ctx context.Context, e DecodedEvent) error {
		dispatched = append(dispatched, e)
		return nil
	}

	p := New("pipeline-a", "Token", []abidecode.EventDescriptor{d}, nil, nil, nil, dispatch, zerolog.Nop())
	err := p.ProcessBatch(context.Background(), fetcher.Batch{Logs: []types.Log{log}})
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
	require.Equal(t, "Transfer", dispatched[0].Name)
}

func TestProcessBatchAppliesFilter(t *testing.T) {
	d, smallLog := buildTransferLog(t, 10)
	_, bigLog := buildTransferLog(t, 100000)

	var dispatched []DecodedEvent
	dispatch := func(ctx context.Context, e DecodedEvent) error {
		dispatched = append(dispatched, e)
		return nil
	}

	expr, err := predicate.Parse("value >= 1000")
	require.NoError(t, err)

	p := New("pipeline-a", "Token", []abidecode.EventDescriptor{d}, map[string]predicate.Expr{"Transfer": expr}, nil, nil, dispatch, zerolog.Nop())
	err = p.ProcessBatch(context.Background(), fetcher.Batch{Logs: []types.Log{smallLog, bigLog}})
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
}

func TestProcessBatchSkipsRemovedLog(t *testing.T) {
	d, log := buildTransferLog(t, 1)
	log.Removed = true

	called := false
	dispatch := func(ctx context.Context, e DecodedEvent) error {
		called = true
		return nil
	}

	p := New("pipeline-a", "Token", []abidecode.EventDescriptor{d}, nil, nil, nil, dispatch, zerolog.Nop())
	err := p.ProcessBatch(context.Background(), fetcher.Batch{Logs: []types.Log{log}})
	require.NoError(t, err)
	require.False(t, called)
}

func TestProcessBatchSkipsUnknownEventSilently(t *testing.T) {
	log := types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}

	called := false
	dispatch := func(ctx context.Context, e DecodedEvent) error {
		called = true
		return nil
	}

	p := New("pipeline-a", "Token", nil, nil, nil, nil, dispatch, zerolog.Nop())
	err := p.ProcessBatch(context.Background(), fetcher.Batch{Logs: []types.Log{log}})
	require.NoError(t, err)
	require.False(t, called)
}

func TestProcessBatchWaitsOnDependencyBarrier(t *testing.T) {
	d, log := buildTransferLog(t, 1)
	log.BlockNumber = 50

	barrier := NewDependencyBarrier()

	var dispatched []DecodedEvent
	var mu sync.Mutex
	dispatch := func(ctx context.Context, e DecodedEvent) error {
		mu.Lock()
		dispatched = append(dispatched, e)
		mu.Unlock()
		return nil
	}

	dependsOn := map[string][]string{"Transfer": {"Oracle.Settled"}}
	p := New("pipeline-b", "Token", []abidecode.EventDescriptor{d}, nil, dependsOn, barrier, dispatch, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		done <- p.ProcessBatch(context.Background(), fetcher.Batch{Logs: []types.Log{log}, ToBlock: 50})
	}()

	select {
	case <-done:
		t.Fatal("ProcessBatch returned before its dependency acknowledged")
	case <-time.After(50 * time.Millisecond):
	}

	barrier.Acknowledge("Oracle.Settled", 50)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ProcessBatch never unblocked after dependency acknowledged")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 1)
	require.Equal(t, uint64(50), dispatched[0].Log.BlockNumber)
}
