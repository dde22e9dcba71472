// Package tracker registers in-flight pipeline goroutines and enforces a
// bounded shutdown window, generalizing the teacher's two-server
// "srv.Shutdown(shutdownCtx)" idiom in cmd/indexer/main.go to an open set
// of pipeline workers rather than exactly two http.Servers.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tracker tracks every registered task and can wait for them to finish
// within a bounded window.
type Tracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	active map[string]int
	logger zerolog.Logger
}

// New builds an empty Tracker.
func New(logger zerolog.Logger) *Tracker {
	return &Tracker{active: make(map[string]int), logger: logger}
}

// Register marks one task of the given kind as started; the returned done
// function must be called exactly once when that task exits.
func (t *Tracker) Register(kind string) (done func()) {
	t.mu.Lock()
	t.active[kind]++
	t.mu.Unlock()

	t.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.active[kind]--
			t.mu.Unlock()
			t.wg.Done()
		})
	}
}

// Counts returns a snapshot of in-flight task counts by kind.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.active))
	for k, v := range t.active {
		out[k] = v
	}
	return out
}

// Shutdown waits for every registered task to call its done function,
// bounded by window. If the window elapses first it logs the still-active
// task kinds and returns an error instead of blocking forever.
func (t *Tracker) Shutdown(ctx context.Context, window time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	waitDone := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.logger.Info().Msg("all tasks drained")
		return nil
	case <-shutdownCtx.Done():
		counts := t.Counts()
		t.logger.Warn().Interface("still_active", counts).Msg("shutdown window elapsed with tasks still running")
		return fmt.Errorf("tracker: shutdown window elapsed with tasks still active: %v", counts)
	}
}
