package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := Open(path, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestGetOrStartReturnsFreshCheckpoint(t *testing.T) {
	s := openTestStore(t)

	cp, err := s.GetOrStart("pipeline-a", 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), cp.LastBlock)
}

func TestAdvancePersistsAndRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Advance(ctx, Checkpoint{PipelineID: "pipeline-a", LastBlock: 100}))

	cp, err := s.Get("pipeline-a")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, uint64(100), cp.LastBlock)
}

func TestAdvanceRejectsNonMonotonicUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Advance(ctx, Checkpoint{PipelineID: "pipeline-a", LastBlock: 200}))

	err := s.Advance(ctx, Checkpoint{PipelineID: "pipeline-a", LastBlock: 100})
	require.Error(t, err)

	cp, err := s.Get("pipeline-a")
	require.NoError(t, err)
	require.Equal(t, uint64(200), cp.LastBlock)
}

func TestAdvanceAllowsEqualBlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Advance(ctx, Checkpoint{PipelineID: "pipeline-a", LastBlock: 200}))
	require.NoError(t, s.Advance(ctx, Checkpoint{PipelineID: "pipeline-a", LastBlock: 200}))
}

func TestGetMissingPipelineReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)

	cp, err := s.Get("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, cp)
}
