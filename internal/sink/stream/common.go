// Package stream holds the stream-publisher sinks (webhook, NATS JetStream,
// Kafka, RabbitMQ, SNS, SQS, Redis Streams). Each publisher marshals a
// decoded event to the same envelope; every backend except SNS attaches the
// "{tx_hash}-{log_index}" key to the message, and JetStream and SQS FIFO
// deduplicate on it, generalizing the teacher's
// internal/nats/publisher.go Publish (JSON marshal + jetstream.WithMsgID
// dedup key built from txHash/logIndex) to every stream backend.
package stream

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

// envelope is the wire format published to every stream backend.
type envelope struct {
	PipelineID      string         `json:"pipeline_id"`
	EventName       string         `json:"event_name"`
	BlockNumber     uint64         `json:"block_number"`
	TransactionHash string         `json:"transaction_hash"`
	LogIndex        uint           `json:"log_index"`
	Fields          map[string]any `json:"fields"`
}

func marshalEvent(event processor.DecodedEvent) ([]byte, error) {
	fields := make(map[string]any, len(event.Fields))
	for k, v := range event.Fields {
		fields[k] = jsonable(v)
	}

	return json.Marshal(envelope{
		PipelineID:      string(event.PipelineID),
		EventName:       event.Name,
		BlockNumber:     event.Log.BlockNumber,
		TransactionHash: event.Log.TxHash.Hex(),
		LogIndex:        event.Log.Index,
		Fields:          fields,
	})
}

// dedupeKey is the deduplication/message-id key every backend with
// idempotency support (JetStream, SQS FIFO) uses.
func dedupeKey(event processor.DecodedEvent) string {
	return fmt.Sprintf("%s-%d", event.Log.TxHash.Hex(), event.Log.Index)
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
