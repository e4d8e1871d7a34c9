// Package nats provides a NATS Core-backed broker for jobflow, bridged
// through Watermill.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/jobflow/transport"
	"github.com/drblury/jobflow/transport/pubsub"
)

// TransportName is the name used to register this broker.
const TransportName = "nats"

// QueueGroupPrefix makes every process consuming a path join one queue group.
const QueueGroupPrefix = "jobflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the nats broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func connectOptions() []nc.Option {
	return []nc.Option{
		nc.Name("jobflow"),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(time.Second),
	}
}

// NewPubSub creates the NATS publisher and subscriber.
func NewPubSub(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	jsConfig := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: connectOptions(),
			Marshaler:   marshaler,
			JetStream:   jsConfig,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			NatsOptions:      connectOptions(),
			QueueGroupPrefix: QueueGroupPrefix,
			Unmarshaler:      marshaler,
			JetStream:        jsConfig,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}

	return publisher, subscriber, nil
}

// Build creates a new NATS broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	return pubsub.Builder(transport.NATSCapabilities, NewPubSub)(ctx, cfg, logger)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
