package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestShutdownReturnsWhenTasksFinish(t *testing.T) {
	tr := New(zerolog.Nop())

	done := tr.Register("fetcher")
	go func() {
		time.Sleep(10 * time.Millisecond)
		done()
	}()

	err := tr.Shutdown(context.Background(), time.Second)
	require.NoError(t, err)
}

func TestShutdownTimesOutWithStuckTask(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.Register("fetcher") // never completes

	err := tr.Shutdown(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
}

func TestCountsReflectsRegistrations(t *testing.T) {
	tr := New(zerolog.Nop())
	doneA := tr.Register("fetcher")
	tr.Register("processor")

	counts := tr.Counts()
	require.Equal(t, 1, counts["fetcher"])
	require.Equal(t, 1, counts["processor"])

	doneA()
	counts = tr.Counts()
	require.Equal(t, 0, counts["fetcher"])
}
