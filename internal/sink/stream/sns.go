package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/processor"
)

// SNSSink publishes the event envelope as an SNS notification.
type SNSSink struct {
	name     string
	client   *sns.Client
	topicARN string
	logger   zerolog.Logger
}

// NewSNSSink wraps an already-configured SNS client.
func NewSNSSink(name string, client *sns.Client, topicARN string, logger zerolog.Logger) *SNSSink {
	return &SNSSink{name: name, client: client, topicARN: topicARN, logger: logger}
}

// Name identifies this sink for metrics and logs.
func (s *SNSSink) Name() string { return "sns:" + s.name }

// Write publishes one message, attaching the event name as an SNS message
// attribute for subscriber-side filter policies.
func (s *SNSSink) Write(ctx context.Context, event processor.DecodedEvent) error {
	data, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("sns sink %s: marshal: %w", s.name, err)
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(data)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"event_name": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Name),
			},
		},
	})
	return err
}

// Close is a no-op; the SDK client owns no connection to tear down.
func (s *SNSSink) Close() error { return nil }
