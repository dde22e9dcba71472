package provider

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRangeTooLargeError(t *testing.T) {
	cases := []struct {
		msg      string
		expected bool
	}{
		{"query returned more than 10000 results", true},
		{"block range is too large", true},
		{"requested block range too large for current plan", true},
		{"rate limit exceeded", false},
		{"execution reverted", false},
		{"connection refused", false},
	}

	for _, c := range cases {
		require.Equal(t, c.expected, isRangeTooLargeError(errors.New(c.msg)), c.msg)
	}
}

func TestClassifyErrorRateLimited(t *testing.T) {
	err := classifyError(errors.New("rate limit exceeded, retry after 30 seconds"))
	var rateLimited *RateLimited
	require.ErrorAs(t, err, &rateLimited)
	require.Equal(t, 30*time.Second, rateLimited.RetryAfter)
}

func TestClassifyErrorRateLimitedNoHint(t *testing.T) {
	err := classifyError(errors.New("429 too many requests"))
	var rateLimited *RateLimited
	require.ErrorAs(t, err, &rateLimited)
	require.Zero(t, rateLimited.RetryAfter)
}

func TestParseSuggestedRangeHexHint(t *testing.T) {
	n, ok := parseSuggestedRange("query returned more than 1000 results, try with this block range 0x0-0x3e8")
	require.True(t, ok)
	require.Equal(t, uint64(1000), n)
}

func TestParseSuggestedRangeDecimalHint(t *testing.T) {
	n, ok := parseSuggestedRange("eth_getLogs is limited to a 10000 range")
	require.True(t, ok)
	require.Equal(t, uint64(10000), n)
}

func TestClassifyErrorQuickNodeLimitedToPhrasing(t *testing.T) {
	err := classifyError(errors.New("eth_getLogs and eth_newFilter are limited to a 10000 range"))
	var rangeErr *BlockRangeTooLarge
	require.ErrorAs(t, err, &rangeErr)
	require.Equal(t, uint64(10000), rangeErr.Suggested)
}

func TestClassifyErrorBlockRangeTooLargeCarriesSuggestion(t *testing.T) {
	err := classifyError(errors.New("block range too large: try with this range 0x0-0x3e8"))
	var rangeErr *BlockRangeTooLarge
	require.ErrorAs(t, err, &rangeErr)
	require.Equal(t, uint64(1000), rangeErr.Suggested)
}
