package csvsink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

func TestWriteAppendsHeaderOnceAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")

	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	event := processor.DecodedEvent{
		PipelineID: "pipeline-a",
		Name:       "Transfer",
		Fields:     map[string]any{"to": common.HexToAddress("0x01")},
		Log:        types.Log{BlockNumber: 100, TxHash: common.HexToHash("0xabc"), Index: 2},
	}
	require.NoError(t, s.Write(context.Background(), event))
	require.NoError(t, s.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "pipeline_id,event_name,block_number,transaction_hash,log_index,payload")
	require.Contains(t, string(contents), "pipeline-a,Transfer,100")

	// Reopening must not duplicate the header.
	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s2.Close())

	contents2, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, countOccurrences(string(contents2), "pipeline_id,event_name"))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
