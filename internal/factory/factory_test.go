package factory

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

func newEvent(name, input string, addr common.Address, block uint64) processor.DecodedEvent {
	return processor.DecodedEvent{
		Name:   name,
		Fields: map[string]any{input: addr},
		Log:    types.Log{BlockNumber: block},
	}
}

func TestObserveSpawnsOncePerAddress(t *testing.T) {
	var spawned []common.Address
	d := New("mainnet", "PoolCreated", "pool", abi.ABI{}, nil, func(ctx context.Context, spec ChildPipelineSpec) error {
		spawned = append(spawned, spec.Address)
		return nil
	}, zerolog.Nop())

	addr := common.HexToAddress("0x0000000000000000000000000000000000000042")

	require.NoError(t, d.Observe(context.Background(), newEvent("PoolCreated", "pool", addr, 10)))
	require.NoError(t, d.Observe(context.Background(), newEvent("PoolCreated", "pool", addr, 11)))

	require.Len(t, spawned, 1)
	require.Equal(t, addr, spawned[0])
}

func TestObserveIgnoresOtherEvents(t *testing.T) {
	called := false
	d := New("mainnet", "PoolCreated", "pool", abi.ABI{}, nil, func(ctx context.Context, spec ChildPipelineSpec) error {
		called = true
		return nil
	}, zerolog.Nop())

	addr := common.HexToAddress("0x01")
	require.NoError(t, d.Observe(context.Background(), newEvent("SomethingElse", "pool", addr, 10)))
	require.False(t, called)
}

func TestObserveErrorsOnWrongFieldType(t *testing.T) {
	d := New("mainnet", "PoolCreated", "pool", abi.ABI{}, nil, func(ctx context.Context, spec ChildPipelineSpec) error {
		return nil
	}, zerolog.Nop())

	event := processor.DecodedEvent{Name: "PoolCreated", Fields: map[string]any{"pool": "not-an-address"}}
	err := d.Observe(context.Background(), event)
	require.Error(t, err)
}
