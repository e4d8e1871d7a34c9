/*
Package runtime implements the jobflow message bus.

# Components

Bus (bus.go) binds typed topics and subscriptions to a transport.Broker.
Publish encodes a Message into a Watermill envelope and sends it, optionally
scheduled. RegisterSubscriber starts one receive loop per subscription; the
loop leases deliveries while a semaphore sized by the subscription's
ConcurrencyLevel has room and settles each lease after the handler returns.

Dispatch (dispatch.go) adapts a typed Handler to the raw DeliveryHandler the
bus invokes. It decodes the payload, drops messages of other runs and
publishes the handler's continuation before the delivery is completed.

The retry engine (retry_engine.go) drains the dead-letter path of a
subscription registered with a RetryPolicy. Each dead letter is either sent
back to its topic, addressed to the subscription and delayed by the policy
backoff, or forwarded to the permanent errors topic.

MemoryBus (emulator.go) is an in-process MessageBus with synchronous fan-out
and timer-based scheduling, used by tests and local runs.

# Middleware

Handlers are wrapped by MiddlewareRegistrations built per subscription from
a MiddlewareScope. DefaultMiddlewares adds correlation ids, message logging,
tracing, metrics, the handler timeout and panic recovery. JobHooks run just
outside the recoverer.

# Metrics

Metrics (metrics.go) registers Prometheus collectors under the "jobflow"
namespace and keeps per-subscription counters for Snapshot. AdminHandler
serves both over HTTP.

# Subpackages

  - config: environment-driven configuration.
  - errors: sentinel errors and typed error wrappers.
  - ids: ULID based message ids scoped to a run.
  - jsoncodec: the JSON codec used for payloads.
  - logging: the ServiceLogger interface and its zap, slog and Watermill adapters.
  - metadata: typed accessors for envelope properties.
  - scheduling: recurring job windows built on the bus.
*/
package runtime
