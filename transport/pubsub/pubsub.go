// Package pubsub adapts a Watermill publisher/subscriber pair into a
// transport.Broker.
//
// Watermill transports have no notion of subscriptions, rules, scheduled
// delivery or dead-letter queues, so the bridge emulates them: every
// subscription path becomes its own Watermill topic, scheduled messages wait
// in process timers, and abandoned messages are republished with their
// delivery count until they move to the path's dead-letter topic.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/jobflow/transport"
)

// DefaultLockDuration is the default lease of a received message.
const DefaultLockDuration = 30 * time.Second

// DeadLetterQueueSuffix names the Watermill topic of a dead-letter path.
const DeadLetterQueueSuffix = "-deadletter"

// QueueName maps a subscription or dead-letter path to a Watermill topic:
// "Topic-Topic_Sub" and "Topic-Topic_Sub-deadletter".
func QueueName(p transport.Path) string {
	name := p.Topic + "-" + p.Subscription
	if p.DeadLetter {
		name += DeadLetterQueueSuffix
	}
	return strings.ReplaceAll(name, "/", "-")
}

// Config configures the bridge.
type Config struct {
	// LockDuration is how long a received message stays leased before it is
	// abandoned on the consumer's behalf.
	LockDuration time.Duration
	// Capabilities are reported by the broker.
	Capabilities transport.Capabilities
	// QueueName overrides the path to topic mapping.
	QueueName func(transport.Path) string
}

func (c Config) withDefaults() Config {
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.QueueName == nil {
		c.QueueName = QueueName
	}
	return c
}

// NewPubSubFunc builds the Watermill pair for a transport.
type NewPubSubFunc func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error)

// Builder turns a Watermill pair constructor into a transport.Builder.
func Builder(caps transport.Capabilities, build NewPubSubFunc) transport.Builder {
	return func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
		if logger == nil {
			logger = watermill.NopLogger{}
		}
		pub, sub, err := build(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return Wrap(pub, sub, Config{
			LockDuration: cfg.GetLockDuration(),
			Capabilities: caps,
		}, logger), nil
	}
}

type subscriptionState struct {
	options transport.SubscriptionOptions
	rule    transport.Rule
}

type queue struct {
	messages <-chan *message.Message
}

// Broker bridges Watermill to transport.Broker.
type Broker struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	config     Config
	logger     watermill.LoggerAdapter
	now        func() time.Time

	mu            sync.RWMutex
	topics        map[string]transport.TopicOptions
	subscriptions map[string]map[string]*subscriptionState
	queues        map[string]*queue

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

var (
	_ transport.Broker               = (*Broker)(nil)
	_ transport.Provisioner          = (*Broker)(nil)
	_ transport.CapabilitiesProvider = (*Broker)(nil)
)

// Wrap returns a broker on top of pub and sub. The broker owns both.
func Wrap(pub message.Publisher, sub message.Subscriber, cfg Config, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		publisher:     pub,
		subscriber:    sub,
		config:        cfg.withDefaults(),
		logger:        logger,
		now:           time.Now,
		topics:        make(map[string]transport.TopicOptions),
		subscriptions: make(map[string]map[string]*subscriptionState),
		queues:        make(map[string]*queue),
		timers:        make(map[*time.Timer]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		closedChan:    make(chan struct{}),
	}
}

// Capabilities returns the capabilities of the wrapped transport.
func (b *Broker) Capabilities() transport.Capabilities {
	return b.config.Capabilities
}

func (b *Broker) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

// Send publishes one copy of msg per accepting subscription of topic.
func (b *Broker) Send(ctx context.Context, topic string, msg *message.Message) error {
	if b.isClosed() {
		return transport.ErrClosed
	}

	b.mu.RLock()
	_, ok := b.topics[topic]
	var targets []string
	to := transport.To(msg)
	for name, sub := range b.subscriptions[topic] {
		if sub.rule.Accepts(to) {
			targets = append(targets, b.config.QueueName(transport.Path{Topic: topic, Subscription: name}))
		}
	}
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownTopic, topic)
	}

	now := b.now()
	availableAt := transport.AvailableAt(msg, now)
	delay := availableAt.Sub(now)

	var errs []error
	for _, q := range targets {
		out := transport.CloneEnvelope(msg)
		transport.SetDeliveryCount(out, 0)
		if delay > 0 {
			b.schedule(delay, q, out)
			continue
		}
		out.SetContext(ctx)
		if err := b.publisher.Publish(q, out); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish to %q: %w", q, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) schedule(delay time.Duration, queueName string, msg *message.Message) {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.timersMu.Lock()
		delete(b.timers, timer)
		b.timersMu.Unlock()

		if b.isClosed() {
			return
		}
		if err := b.publisher.Publish(queueName, msg); err != nil {
			b.logger.Error("Failed to publish scheduled message", err, watermill.LogFields{
				"queue": queueName,
				"uuid":  msg.UUID,
			})
		}
	})
	b.timers[timer] = struct{}{}
}

// Receive waits for the next message on path.
func (b *Broker) Receive(ctx context.Context, path string) (*transport.Delivery, error) {
	b.closedMu.RLock()
	if b.closed {
		b.closedMu.RUnlock()
		return nil, transport.ErrClosed
	}
	b.wg.Add(1)
	b.closedMu.RUnlock()
	defer b.wg.Done()

	p, err := transport.ParsePath(path)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	q, ok := b.queues[b.config.QueueName(p)]
	var maxDeliveryCount int
	if sub := b.subscriptions[p.Topic][p.Subscription]; sub != nil && !p.DeadLetter {
		maxDeliveryCount = sub.options.MaxDeliveryCount
	}
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnknownPath, path)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closedChan:
		return nil, transport.ErrClosed
	case msg, ok := <-q.messages:
		if !ok {
			return nil, transport.ErrClosed
		}
		return b.lease(msg, p, maxDeliveryCount), nil
	}
}

// Close stops scheduled publishes and closes the Watermill pair.
func (b *Broker) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closedChan)
	b.closedMu.Unlock()

	b.timersMu.Lock()
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	b.timersMu.Unlock()

	b.wg.Wait()
	b.cancel()

	var errs []error
	if err := b.subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriber: %w", err))
	}
	if any(b.publisher) != any(b.subscriber) {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}
