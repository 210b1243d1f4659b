package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/petrijr/stepflow/pkg/api"
)

const (
	// DefaultTopic receives every terminal event.
	DefaultTopic = "stepflow.executions.terminal"

	MetadataJobID    = "job_id"
	MetadataWorkflow = "workflow_id"
	MetadataStatus   = "status"
)

// Publisher sends terminal events as JSON messages on a watermill topic.
type Publisher struct {
	publisher message.Publisher
	topic     string
}

var _ api.Notifier = (*Publisher)(nil)

// NewPublisher wraps any watermill publisher. An empty topic means
// DefaultTopic.
func NewPublisher(pub message.Publisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{publisher: pub, topic: topic}
}

func (p *Publisher) Notify(ctx context.Context, ev api.TerminalEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal terminal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataJobID, ev.JobID)
	msg.Metadata.Set(MetadataWorkflow, ev.WorkflowID)
	msg.Metadata.Set(MetadataStatus, string(ev.Status))

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish terminal event for %s: %w", ev.JobID, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *Publisher) Close() error {
	return p.publisher.Close()
}

// DecodeEvent reads a terminal event back from a message payload.
func DecodeEvent(msg *message.Message) (api.TerminalEvent, error) {
	var ev api.TerminalEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode terminal event: %w", err)
	}
	return ev, nil
}

// NewGoChannel returns an in-process pub/sub, useful for tests and for
// wiring local subscribers in a single binary.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          true,
		},
		watermill.NewSlogLogger(logger),
	)
}

// NewKafkaPublisher creates a watermill Kafka publisher for brokers.
func NewKafkaPublisher(brokers []string, logger *slog.Logger) (*kafka.Publisher, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errors.New("no kafka brokers configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll

	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
			OTELEnabled:           true,
		},
		watermill.NewSlogLogger(logger),
	)
}
