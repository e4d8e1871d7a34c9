// Package rabbitmq provides a RabbitMQ/AMQP-backed broker for jobflow,
// bridged through Watermill.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/jobflow/transport"
	"github.com/drblury/jobflow/transport/pubsub"
)

// TransportName is the name used to register this broker.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// closeConnection allows overriding the connection shutdown for testing.
var closeConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// connSubscriber closes the shared connection after the subscriber.
type connSubscriber struct {
	message.Subscriber
	conn *amqp.ConnectionWrapper
}

func (s connSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), closeConnection(s.conn))
}

func init() {
	Register()
}

// Register adds the rabbitmq broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// NewPubSub creates a durable AMQP publisher and subscriber sharing one
// connection. Each subscription path maps to one durable queue, so
// consumers in several processes compete for its messages.
func NewPubSub(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicName,
	)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = closeConnection(conn)
		return nil, nil, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = closeConnection(conn)
		return nil, nil, err
	}

	return publisher, connSubscriber{Subscriber: subscriber, conn: conn}, nil
}

// Build creates a new RabbitMQ broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	return pubsub.Builder(transport.RabbitMQCapabilities, NewPubSub)(ctx, cfg, logger)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
