// Package transport defines the broker contract used by the jobflow message
// bus. Each broker implementation (sqlite, postgres, redis, or a Watermill
// pub/sub bridged through the pubsub package) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	// ErrClosed is returned by every operation on a closed broker.
	ErrClosed = errors.New("transport: broker is closed")
	// ErrUnknownTopic is returned when sending to a topic that was never provisioned.
	ErrUnknownTopic = errors.New("transport: unknown topic")
	// ErrUnknownPath is returned when receiving from a malformed or unprovisioned path.
	ErrUnknownPath = errors.New("transport: unknown path")
	// ErrLeaseLost is returned when settling a delivery whose lease already expired.
	ErrLeaseLost = errors.New("transport: lease lost")
)

// Broker moves envelopes between topics and subscription paths.
//
// Send fans msg out to every subscription of topic whose Rule accepts it. The
// envelope's scheduled_enqueue_time property delays visibility.
//
// Receive blocks until a message is available on path (a subscription path
// or a dead-letter path), ctx is cancelled, or the broker is closed. The
// returned delivery is leased until it is completed, abandoned, or its lease
// expires. Abandoning a delivery, or letting its lease expire, counts towards
// the subscription's MaxDeliveryCount; past it the broker moves the message to
// the dead-letter path.
type Broker interface {
	Send(ctx context.Context, topic string, msg *message.Message) error
	Receive(ctx context.Context, path string) (*Delivery, error)
	Close() error
}

// Settler finalises one leased delivery. Brokers implement it per delivery.
type Settler interface {
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
}

// Delivery is one leased message.
type Delivery struct {
	Message       *message.Message
	Path          string
	DeliveryCount int
	LockedUntil   time.Time

	settler Settler
}

// NewDelivery is used by broker implementations.
func NewDelivery(msg *message.Message, path string, deliveryCount int, lockedUntil time.Time, settler Settler) *Delivery {
	SetDeliveryCount(msg, deliveryCount)
	return &Delivery{
		Message:       msg,
		Path:          path,
		DeliveryCount: deliveryCount,
		LockedUntil:   lockedUntil,
		settler:       settler,
	}
}

// Complete removes the message from its path.
func (d *Delivery) Complete(ctx context.Context) error {
	return d.settler.Complete(ctx)
}

// Abandon releases the lease so the message can be redelivered.
func (d *Delivery) Abandon(ctx context.Context) error {
	return d.settler.Abandon(ctx)
}

// Builder is the function signature for creating a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the configuration values needed by brokers.
// This interface allows brokers to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetBackend returns the broker name.
	GetBackend() string

	// Leasing and polling.
	GetLockDuration() time.Duration
	GetPollInterval() time.Duration

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string
	GetPostgresDriver() string
	GetPostgresSchema() string

	// Redis
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetRedisKeyPrefix() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by brokers that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// QueueIntrospector is implemented by brokers that can report path depth.
type QueueIntrospector interface {
	PendingCount(ctx context.Context, path string) (int64, error)
}
