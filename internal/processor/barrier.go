package processor

import (
	"context"
	"sync"
)

// DependencyBarrier enforces manifest-declared dependency ordering across
// pipelines: an event in dependency group B that depends on group A is not
// released for dispatch at block N until A has acknowledged all of its
// events at block <= N. It is shared by every Processor in a run, records
// the highest acknowledged block per dependency group, and is gated with a
// sync.Cond so waiters block without polling.
type DependencyBarrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	acked map[string]uint64
}

// NewDependencyBarrier builds an empty barrier.
func NewDependencyBarrier() *DependencyBarrier {
	b := &DependencyBarrier{acked: make(map[string]uint64)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Acknowledge records that group has fully processed every event up to and
// including block, waking any waiter whose condition that might satisfy. A
// nil barrier is a no-op, so a Processor built without dependency
// configuration can call it unconditionally.
func (b *DependencyBarrier) Acknowledge(group string, block uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if block > b.acked[group] {
		b.acked[group] = block
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Wait blocks until every group in deps has acknowledged block >= at, or ctx
// is cancelled. A nil barrier or an empty deps list never blocks.
func (b *DependencyBarrier) Wait(ctx context.Context, deps []string, at uint64) error {
	if b == nil || len(deps) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for !b.ready(deps, at) {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

// ready reports whether every group in deps has acknowledged at least
// block at. Callers must hold b.mu.
func (b *DependencyBarrier) ready(deps []string, at uint64) bool {
	for _, dep := range deps {
		if b.acked[dep] < at {
			return false
		}
	}
	return true
}
