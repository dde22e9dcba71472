// Package postgres is the relational sink, generalizing the teacher's
// cmd/consumer/main.go storeEvent/storeOrderFilled upsert idiom (pgx/v5
// over a typed connection pool, ON CONFLICT DO NOTHING) from nine
// hardcoded per-event tables to one generic decoded-event table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS indexed_events (
	pipeline_id      TEXT NOT NULL,
	event_name       TEXT NOT NULL,
	block_number     BIGINT NOT NULL,
	transaction_hash TEXT NOT NULL,
	log_index        INT NOT NULL,
	payload          JSONB NOT NULL,
	PRIMARY KEY (pipeline_id, transaction_hash, log_index)
)`

// Sink writes decoded events into a single generic table, idempotent on
// (pipeline_id, transaction_hash, log_index).
type Sink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to databaseURL and ensures the target table exists.
func Open(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Sink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: failed to ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: failed to create table: %w", err)
	}
	return &Sink{pool: pool, logger: logger}, nil
}

// Name identifies this sink for metrics and logs.
func (s *Sink) Name() string { return "postgres" }

// Write upserts one decoded event.
func (s *Sink) Write(ctx context.Context, event processor.DecodedEvent) error {
	payload, err := marshalFields(event.Fields)
	if err != nil {
		return fmt.Errorf("postgres sink: marshal fields: %w", err)
	}

	_, err = s.pool.Exec(ctx, upsertSQL,
		event.PipelineID,
		event.Name,
		event.Log.BlockNumber,
		event.Log.TxHash.Hex(),
		event.Log.Index,
		payload,
	)
	return err
}

const upsertSQL = `
INSERT INTO indexed_events (pipeline_id, event_name, block_number, transaction_hash, log_index, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pipeline_id, transaction_hash, log_index) DO NOTHING
`

// WriteBatch upserts an entire batch in one round trip via pgx.Batch.
func (s *Sink) WriteBatch(ctx context.Context, events []processor.DecodedEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		payload, err := marshalFields(event.Fields)
		if err != nil {
			return fmt.Errorf("postgres sink: marshal fields: %w", err)
		}
		batch.Queue(upsertSQL, event.PipelineID, event.Name, event.Log.BlockNumber, event.Log.TxHash.Hex(), event.Log.Index, payload)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres sink: batch exec: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

// marshalFields converts a decoded-event field map into JSON, rendering
// go-ethereum's non-JSON-native types (big.Int, Address, Hash) as their
// canonical string form instead of failing or dumping internal struct
// fields.
func marshalFields(fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = jsonable(v)
	}
	return json.Marshal(out)
}

func jsonable(v any) any {
	switch t := v.(type) {
	case *big.Int:
		return t.String()
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case []byte:
		return common.Bytes2Hex(t)
	default:
		return v
	}
}
