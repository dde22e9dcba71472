// Package checkpoint persists per-pipeline progress in an embedded bbolt
// database, generalizing the teacher's internal/db/checkpoint.go (one
// service-name key) to one monotonic key per PipelineID, with writes
// serialized through a single owner goroutine and bounded by a write
// timeout per the concurrency model's single-owner/CAS-guarded requirement.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "checkpoints"

// PipelineID identifies one (network, contract, event-set) indexing stream.
type PipelineID string

// Checkpoint is the durable progress record for one pipeline.
type Checkpoint struct {
	PipelineID    PipelineID `json:"pipeline_id"`
	LastBlock     uint64     `json:"last_block"`
	LastBlockHash string     `json:"last_block_hash"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type writeRequest struct {
	checkpoint Checkpoint
	result     chan error
}

// Store is the single owner of the underlying bbolt handle; all writes are
// funneled through one goroutine reading from a request channel, so two
// pipelines can never race on the same file.
type Store struct {
	db      *bbolt.DB
	writes  chan writeRequest
	done    chan struct{}
	timeout time.Duration
}

// Open opens (creating if absent) the checkpoint database at dbPath and
// starts its write-serialization goroutine.
func Open(dbPath string, writeTimeout time.Duration) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: failed to create bucket: %w", err)
	}

	s := &Store{
		db:      db,
		writes:  make(chan writeRequest, 16),
		done:    make(chan struct{}),
		timeout: writeTimeout,
	}
	go s.runWriter()
	return s, nil
}

func (s *Store) runWriter() {
	defer close(s.done)
	for req := range s.writes {
		req.result <- s.writeNow(req.checkpoint)
	}
}

func (s *Store) writeNow(cp Checkpoint) error {
	cp.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("checkpoint: marshal failed: %w", err)
		}
		return b.Put([]byte(cp.PipelineID), data)
	})
}

// Get returns the stored checkpoint for id, or (nil, nil) if none exists.
func (s *Store) Get(id PipelineID) (*Checkpoint, error) {
	var cp Checkpoint
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &cp, nil
}

// GetOrStart returns the stored checkpoint, or a fresh one at startBlock if
// none exists yet (not yet persisted — the caller advances it via Advance).
func (s *Store) GetOrStart(id PipelineID, startBlock uint64) (Checkpoint, error) {
	existing, err := s.Get(id)
	if err != nil {
		return Checkpoint{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return Checkpoint{PipelineID: id, LastBlock: startBlock}, nil
}

// Advance persists a new checkpoint, rejecting any update that would move
// LastBlock backwards (the teacher's UpdateBlock performs no such check).
// The write is queued to the single owner goroutine and bounded by the
// store's write timeout.
func (s *Store) Advance(ctx context.Context, cp Checkpoint) error {
	current, err := s.Get(cp.PipelineID)
	if err != nil {
		return err
	}
	if current != nil && cp.LastBlock < current.LastBlock {
		return fmt.Errorf("checkpoint: refusing non-monotonic update for %s: %d < %d", cp.PipelineID, cp.LastBlock, current.LastBlock)
	}

	req := writeRequest{checkpoint: cp, result: make(chan error, 1)}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	select {
	case s.writes <- req:
	case <-writeCtx.Done():
		return fmt.Errorf("checkpoint: timed out queuing write for %s: %w", cp.PipelineID, writeCtx.Err())
	}

	select {
	case err := <-req.result:
		return err
	case <-writeCtx.Done():
		return fmt.Errorf("checkpoint: timed out waiting for write of %s: %w", cp.PipelineID, writeCtx.Err())
	}
}

// Close stops the writer goroutine and closes the underlying database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

// Stats exposes bbolt's internal counters for metrics/diagnostics.
func (s *Store) Stats() bbolt.Stats {
	return s.db.Stats()
}
