package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

// SQSSink sends one message per event to a queue, using the dedupe key as
// MessageDeduplicationId and the pipeline ID as MessageGroupId (per-pipeline
// ordering) on FIFO queues; standard queues ignore both fields.
type SQSSink struct {
	name     string
	client   *sqs.Client
	queueURL string
	logger   zerolog.Logger
}

// NewSQSSink wraps an already-configured SQS client.
func NewSQSSink(name string, client *sqs.Client, queueURL string, logger zerolog.Logger) *SQSSink {
	return &SQSSink{name: name, client: client, queueURL: queueURL, logger: logger}
}

// Name identifies this sink for metrics and logs.
func (s *SQSSink) Name() string { return "sqs:" + s.name }

// Write sends one message.
func (s *SQSSink) Write(ctx context.Context, event processor.DecodedEvent) error {
	data, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("sqs sink %s: marshal: %w", s.name, err)
	}

	key := dedupeKey(event)
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(data)),
	}
	if isFIFOQueue(s.queueURL) {
		input.MessageDeduplicationId = aws.String(key)
		input.MessageGroupId = aws.String(string(event.PipelineID))
	}

	_, err = s.client.SendMessage(ctx, input)
	return err
}

// Close is a no-op; the SDK client owns no connection to tear down.
func (s *SQSSink) Close() error { return nil }

func isFIFOQueue(queueURL string) bool {
	return len(queueURL) > 5 && queueURL[len(queueURL)-5:] == ".fifo"
}
