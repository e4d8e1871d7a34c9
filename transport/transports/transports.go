// Package transports imports all built-in brokers for auto-registration.
// Import this package to have every broker registered with the default registry.
package transports

import (
	// Import all brokers for side-effect registration
	_ "github.com/drblury/jobflow/transport/aws"
	_ "github.com/drblury/jobflow/transport/channel"
	_ "github.com/drblury/jobflow/transport/kafka"
	_ "github.com/drblury/jobflow/transport/nats"
	_ "github.com/drblury/jobflow/transport/postgres"
	_ "github.com/drblury/jobflow/transport/rabbitmq"
	_ "github.com/drblury/jobflow/transport/redis"
	_ "github.com/drblury/jobflow/transport/sqlite"
)
