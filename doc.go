// Package jobflow is a typed message bus for job pipelines. Handlers receive
// decoded payloads and answer with a status code and an optional
// continuation, which the bus publishes before it acknowledges the
// delivery. A topic fans out to all of its subscriptions; subscriptions are
// named "<Topic>_<Name>".
//
// The bus runs on any transport.Broker: SQLite, PostgreSQL and Redis brokers
// are native, while Kafka, RabbitMQ, NATS, AWS SNS/SQS and Go channels are
// bridged through Watermill pub/subs. NewService builds the broker selected
// in Config; import transport/transports to register all of them.
// NewMemoryBus runs everything in-process for tests and local runs.
//
// # Delivery and retries
//
// Deliveries are leased. A successful handler completes the lease, a failing
// one abandons it so the broker redelivers it; past the subscription's
// MaxDeliveryCount the broker moves it to the dead-letter path. A
// subscription registered with a RetryPolicy runs a retry engine on that
// path which resubmits dead letters to the subscription with exponential
// backoff and forwards them to the policy's permanent errors topic once the
// retries are exhausted.
//
// # Middleware and hooks
//
// Every handler runs inside DefaultMiddlewares: correlation ids, message
// logging, OpenTelemetry tracing, Prometheus metrics, an optional handler
// timeout and panic recovery. JobHooks add OnJobStart, OnJobDone and
// OnJobError callbacks around the handler.
//
// # Scheduling
//
// Scheduler turns periodic JobDefinitions into JobWindows and runs them once
// each window has closed, rescheduling the definition after every run.
package jobflow
