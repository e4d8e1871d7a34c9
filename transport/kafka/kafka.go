// Package kafka provides a Kafka-backed broker for jobflow, bridged through
// Watermill.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/jobflow/transport"
	"github.com/drblury/jobflow/transport/pubsub"
)

// TransportName is the name used to register this broker.
const TransportName = "kafka"

// DefaultConsumerGroup is used when none is configured.
const DefaultConsumerGroup = "jobflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the kafka broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// partitionKey keeps every copy of a message on the partition chosen by its id.
func partitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(transport.MetadataPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// NewPubSub creates the Kafka publisher and subscriber.
func NewPubSub(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	brokers := cfg.GetKafkaBrokers()
	consumerGroup := cfg.GetKafkaConsumerGroup()
	if consumerGroup == "" {
		consumerGroup = DefaultConsumerGroup
	}
	marshaler := kafka.NewWithPartitioningMarshaler(partitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   marshaler,
			ConsumerGroup: consumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}

	return publisher, subscriber, nil
}

// Build creates a new Kafka broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	return pubsub.Builder(transport.KafkaCapabilities, NewPubSub)(ctx, cfg, logger)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
