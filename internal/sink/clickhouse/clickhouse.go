// Package clickhouse is the columnar sink. It has no teacher analog — the
// Polymarket indexer only ever wrote to Postgres — so it mirrors the
// relational sink's "bulk insert over a typed connection pool" shape using
// ClickHouse's own driver (see DESIGN.md for why this ecosystem dependency
// was adopted over inventing an HTTP client).
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS indexed_events (
	pipeline_id      String,
	event_name       String,
	block_number     UInt64,
	transaction_hash String,
	log_index        UInt32,
	payload          String
) ENGINE = ReplacingMergeTree
ORDER BY (pipeline_id, transaction_hash, log_index)
`

// Sink batches decoded events into ClickHouse via its native batch
// protocol, deduplicating through ReplacingMergeTree on the same
// (pipeline_id, transaction_hash, log_index) key the relational sink uses.
type Sink struct {
	conn   clickhouse.Conn
	logger zerolog.Logger
}

// Open connects to a ClickHouse cluster at addr and ensures the target
// table exists.
func Open(ctx context.Context, addr, database, username, password string, logger zerolog.Logger) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse sink: failed to connect: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse sink: failed to ping: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("clickhouse sink: failed to create table: %w", err)
	}
	return &Sink{conn: conn, logger: logger}, nil
}

// Name identifies this sink for metrics and logs.
func (s *Sink) Name() string { return "clickhouse" }

// Write appends one event via a single-row batch; callers processing many
// events per tick should prefer WriteBatch.
func (s *Sink) Write(ctx context.Context, event processor.DecodedEvent) error {
	return s.WriteBatch(ctx, []processor.DecodedEvent{event})
}

// WriteBatch appends an entire batch using ClickHouse's native prepared
// batch API.
func (s *Sink) WriteBatch(ctx context.Context, events []processor.DecodedEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO indexed_events")
	if err != nil {
		return fmt.Errorf("clickhouse sink: prepare batch: %w", err)
	}

	for _, event := range events {
		payload, err := marshalFields(event.Fields)
		if err != nil {
			return fmt.Errorf("clickhouse sink: marshal fields: %w", err)
		}
		if err := batch.Append(
			string(event.PipelineID),
			event.Name,
			event.Log.BlockNumber,
			event.Log.TxHash.Hex(),
			uint32(event.Log.Index),
			string(payload),
		); err != nil {
			return fmt.Errorf("clickhouse sink: append row: %w", err)
		}
	}

	return batch.Send()
}

// Close releases the connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}

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
