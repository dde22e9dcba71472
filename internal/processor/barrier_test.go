package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDependencyBarrierWaitUnblocksOnAcknowledge(t *testing.T) {
	b := NewDependencyBarrier()

	done := make(chan error, 1)
	go func() {
		done <- b.Wait(context.Background(), []string{"A"}, 10)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the dependency acknowledged")
	case <-time.After(20 * time.Millisecond):
	}

	b.Acknowledge("A", 10)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait never unblocked")
	}
}

func TestDependencyBarrierWaitNeedsAllGroups(t *testing.T) {
	b := NewDependencyBarrier()
	b.Acknowledge("A", 10)

	done := make(chan error, 1)
	go func() {
		done <- b.Wait(context.Background(), []string{"A", "B"}, 10)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned with one of two dependencies still unacknowledged")
	case <-time.After(20 * time.Millisecond):
	}

	b.Acknowledge("B", 10)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait never unblocked once both dependencies acknowledged")
	}
}

func TestDependencyBarrierWaitReturnsOnContextCancel(t *testing.T) {
	b := NewDependencyBarrier()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Wait(ctx, []string{"A"}, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDependencyBarrierNilIsNoop(t *testing.T) {
	var b *DependencyBarrier
	require.NoError(t, b.Wait(context.Background(), []string{"A"}, 10))
	b.Acknowledge("A", 10) // must not panic
}

func TestDependencyBarrierEmptyDepsNeverBlocks(t *testing.T) {
	b := NewDependencyBarrier()
	require.NoError(t, b.Wait(context.Background(), nil, 10))
}
