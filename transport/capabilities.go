package transport

// Capabilities describes the features supported by a broker backend.
type Capabilities struct {
	// SupportsDelay indicates the backend stores scheduled messages itself.
	// When false, the pubsub bridge holds them in process timers.
	SupportsDelay bool

	// SupportsNativeDLQ indicates dead-letter paths survive a restart.
	SupportsNativeDLQ bool

	// SupportsLease indicates deliveries are leased and redelivered after
	// the lease expires, even across processes.
	SupportsLease bool

	// SupportsProvisioning indicates the broker implements Provisioner with
	// durable topology.
	SupportsProvisioning bool

	// SupportsOrdering indicates messages on one path are delivered in
	// availability order.
	SupportsOrdering bool

	// SupportsTracing indicates the backend propagates tracing headers natively.
	SupportsTracing bool

	// SupportsPartitioning indicates the backend partitions topics.
	SupportsPartitioning bool

	// Durable indicates messages survive a process restart.
	Durable bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the broker.
	Name string
}

// RequiresDelayEmulation returns true if scheduled messages are held in memory.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresDLQEmulation returns true if dead letters live only in memory.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if a crashed consumer's deliveries
// come back after their lease expires.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsLease && c.Durable
}

// Predefined capability sets.
var (
	// SQLiteCapabilities for the SQLite broker.
	SQLiteCapabilities = Capabilities{
		Name:                 "sqlite",
		SupportsDelay:        true,
		SupportsNativeDLQ:    true,
		SupportsLease:        true,
		SupportsProvisioning: true,
		SupportsOrdering:     true,
		Durable:              true,
	}

	// PostgresCapabilities for the PostgreSQL broker.
	PostgresCapabilities = Capabilities{
		Name:                 "postgres",
		SupportsDelay:        true,
		SupportsNativeDLQ:    true,
		SupportsLease:        true,
		SupportsProvisioning: true,
		SupportsOrdering:     true,
		Durable:              true,
	}

	// RedisCapabilities for the Redis broker.
	RedisCapabilities = Capabilities{
		Name:                 "redis",
		SupportsDelay:        true,
		SupportsNativeDLQ:    true,
		SupportsLease:        true,
		SupportsProvisioning: true,
		SupportsOrdering:     true,
		Durable:              true,
		MaxMessageSize:       536870912, // 512MB string limit
	}

	// ChannelCapabilities for the in-memory Go channel bridge.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsLease:    true,
		SupportsOrdering: true,
	}

	// KafkaCapabilities for the Kafka bridge.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsLease:        true,
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsPartitioning: true,
		Durable:              true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP bridge.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsLease:    true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
	}

	// NATSCapabilities for the NATS bridge.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsLease:   true,
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for the AWS SNS/SQS bridge.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsLease:    true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
		MaxMessageSize:   262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a broker by name.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
