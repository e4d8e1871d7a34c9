package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/semaphore"

	configpkg "github.com/drblury/jobflow/internal/runtime/config"
	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

const (
	defaultReceiveErrorPause = time.Second
	settleTimeout            = 30 * time.Second
)

// MessageBus publishes typed messages and dispatches deliveries of typed
// subscriptions to handlers.
type MessageBus[T, S Name] interface {
	Publisher[T]
	// RegisterSubscriber binds a handler to a subscription. Registering the
	// same subscription again replaces its handler.
	RegisterSubscriber(ctx context.Context, cfg SubscriberConfig[T, S]) error
	// SetupEntitiesIfNotExist provisions every topic and subscription of the topology.
	SetupEntitiesIfNotExist(ctx context.Context) error
	// Close stops delivery and waits for in-flight handlers.
	Close(ctx context.Context) error
	// DispatchOptions returns the settings handlers registered through
	// RegisterHandler are wrapped with.
	DispatchOptions() DispatchOptions
}

// SubscriberConfig binds a handler to one subscription.
type SubscriberConfig[T, S Name] struct {
	Topic        T
	Subscription S
	// ConcurrencyLevel caps the handler invocations in flight.
	ConcurrencyLevel int
	Handler          DeliveryHandler
	// RetryPolicy enables the dead-letter retry engine when set.
	RetryPolicy *RetryPolicy[T]
}

func (c SubscriberConfig[T, S]) validate(topology Topology[T, S]) error {
	if err := validateBinding(topology, c.Topic, c.Subscription); err != nil {
		return err
	}
	if c.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if c.ConcurrencyLevel <= 0 {
		return fmt.Errorf("%w: got %d", errspkg.ErrInvalidConcurrency, c.ConcurrencyLevel)
	}
	if c.RetryPolicy != nil {
		if err := c.RetryPolicy.Validate(); err != nil {
			return err
		}
		if !topology.HasTopic(c.RetryPolicy.PermanentErrorsTopic) {
			return fmt.Errorf("%w: permanent errors topic %q", errspkg.ErrUnknownTopic, c.RetryPolicy.PermanentErrorsTopic)
		}
	}
	return nil
}

// BusOptions configures a Bus.
type BusOptions struct {
	// RunID drops deliveries of other runs. Empty accepts every run.
	RunID  string
	Logger loggingpkg.ServiceLogger
	// Provisioning resolves entity options for SetupEntitiesIfNotExist.
	Provisioning ProvisioningOptions
	// HandlerTimeout fails handlers that run longer. Zero disables it.
	HandlerTimeout time.Duration
	// ShutdownGracePeriod bounds how long Close waits for in-flight handlers.
	ShutdownGracePeriod  time.Duration
	MaxContinuationDepth int
	// Middlewares wrap every handler, outermost first. Nil uses DefaultMiddlewares.
	Middlewares []MiddlewareRegistration
	Hooks       JobHooks
	// Metrics is optional.
	Metrics *Metrics
	// OnFatal is called when a retry engine stops on a resubmit failure.
	OnFatal func(error)
	// Now overrides the clock used for scheduling.
	Now func() time.Time
	// ReceiveErrorPause is the wait after a failed receive.
	ReceiveErrorPause time.Duration
}

func (o BusOptions) withDefaults() BusOptions {
	if o.Provisioning == nil {
		o.Provisioning = DefaultProvisioning{}
	}
	if o.ShutdownGracePeriod <= 0 {
		o.ShutdownGracePeriod = configpkg.DefaultShutdownGracePeriod
	}
	if o.Middlewares == nil {
		o.Middlewares = DefaultMiddlewares()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ReceiveErrorPause <= 0 {
		o.ReceiveErrorPause = defaultReceiveErrorPause
	}
	return o
}

// Bus is the MessageBus backed by a transport.Broker.
type Bus[T, S Name] struct {
	broker   transport.Broker
	topology Topology[T, S]
	opts     BusOptions
	logger   loggingpkg.ServiceLogger
	entities *entityCache

	// loopCtx is cancelled by Close to stop receive and retry loops.
	loopCtx     context.Context
	cancelLoops context.CancelFunc
	// handlerCtx is cancelled once the shutdown grace period elapses.
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	closed   bool
	closedMu sync.RWMutex
	wg       sync.WaitGroup

	fatalMu   sync.Mutex
	fatalErrs []error
}

var _ MessageBus[string, string] = (*Bus[string, string])(nil)

// NewBus creates a bus over broker for the given topology.
func NewBus[T, S Name](broker transport.Broker, topology Topology[T, S], opts BusOptions) (*Bus[T, S], error) {
	if broker == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if opts.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}

	opts = opts.withDefaults()
	if err := opts.Metrics.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	b := &Bus[T, S]{
		broker:   broker,
		topology: topology,
		opts:     opts,
		logger:   opts.Logger,
		entities: newEntityCache(),
	}
	b.loopCtx, b.cancelLoops = context.WithCancel(context.Background())
	b.handlerCtx, b.cancelHandlers = context.WithCancel(context.Background())
	return b, nil
}

// Broker returns the underlying broker.
func (b *Bus[T, S]) Broker() transport.Broker {
	return b.broker
}

// Topology returns the topics and subscriptions the bus accepts.
func (b *Bus[T, S]) Topology() Topology[T, S] {
	return b.topology
}

func (b *Bus[T, S]) DispatchOptions() DispatchOptions {
	return DispatchOptions{
		RunID:                b.opts.RunID,
		MaxContinuationDepth: b.opts.MaxContinuationDepth,
		Logger:               b.logger,
	}
}

// Publish sends msg to topic. A zero or past executeAt delivers immediately;
// otherwise the broker keeps the message hidden until executeAt.
func (b *Bus[T, S]) Publish(ctx context.Context, msg Message, topic T, executeAt time.Time) error {
	if b.isClosed() {
		return errspkg.ErrBusClosed
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if !b.topology.HasTopic(topic) {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownTopic, topic)
	}

	env, err := newEnvelope(ctx, msg, executeAt, b.opts.Now())
	if err != nil {
		return err
	}

	handle, _, err := b.entities.getOrCreate(entityKey{kind: topicSenderKind, path: string(topic)}, b.newTopicSender)
	if err != nil {
		return errspkg.ErrBusClosed
	}
	sender := handle.value.(*topicSender)

	err = b.broker.Send(ctx, sender.topic, env)
	b.opts.Metrics.recordPublish(sender.topic, err)
	if err != nil {
		sender.failed.Add(1)
		sender.logger.Error("Failed to publish message", err, loggingpkg.Critical(loggingpkg.LogFields{
			"message_id": env.UUID,
		}))
		return fmt.Errorf("failed to publish message %q to %q: %w", env.UUID, topic, err)
	}

	sender.sent.Add(1)
	sender.logger.Debug("Published message", loggingpkg.LogFields{
		"message_id":   env.UUID,
		"scheduled_at": env.Metadata.Get(transport.MetadataScheduledEnqueueTime),
	})
	return nil
}

// topicSender is the cached publishing handle of one topic. The broker
// connection is shared; the handle scopes logging and counts outcomes.
type topicSender struct {
	topic  string
	logger loggingpkg.ServiceLogger
	sent   atomic.Int64
	failed atomic.Int64
}

func (b *Bus[T, S]) newTopicSender(key entityKey) (*entityHandle, error) {
	s := &topicSender{
		topic:  key.path,
		logger: b.logger.With(loggingpkg.LogFields{"topic": key.path}),
	}
	return &entityHandle{value: s, onClose: s.close}, nil
}

func (s *topicSender) close(context.Context) error {
	s.logger.Debug("Closed topic sender", loggingpkg.LogFields{
		"published": s.sent.Load(),
		"failed":    s.failed.Load(),
	})
	return nil
}

// binding is the handler and concurrency limit currently attached to a receiver.
type binding struct {
	handler message.HandlerFunc
	sem     *semaphore.Weighted
	limit   int
}

// loopRunner tracks the goroutine behind a cached handle so a registration
// after its context was cancelled can restart it.
type loopRunner struct {
	mu sync.Mutex
	// ctx belongs to the current loop and is nil once that loop returned.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loopRunner) stop(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

type subscriptionReceiver struct {
	loopRunner
	topic        string
	subscription string
	path         string
	binding      atomic.Pointer[binding]
}

// RegisterSubscriber binds cfg.Handler to cfg.Subscription. The retry engine
// of a retry-enabled subscription is started before delivery begins. ctx
// stops the receive loop and the retry engine when cancelled.
func (b *Bus[T, S]) RegisterSubscriber(ctx context.Context, cfg SubscriberConfig[T, S]) error {
	if err := cfg.validate(b.topology); err != nil {
		return err
	}

	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return errspkg.ErrBusClosed
	}

	topic := string(cfg.Topic)
	subscription := string(cfg.Subscription)
	scope := MiddlewareScope{
		Topic:          topic,
		Subscription:   subscription,
		Logger:         b.logger.With(loggingpkg.LogFields{"subscription": subscription}),
		Metrics:        b.opts.Metrics,
		HandlerTimeout: b.opts.HandlerTimeout,
	}
	mws, err := buildMiddlewares(withHooks(b.opts.Middlewares, b.opts.Hooks), scope)
	if err != nil {
		return err
	}
	bind := &binding{
		handler: chainMiddlewares(cfg.Handler, mws),
		sem:     semaphore.NewWeighted(int64(cfg.ConcurrencyLevel)),
		limit:   cfg.ConcurrencyLevel,
	}

	if cfg.RetryPolicy != nil {
		if err := b.startRetryEngine(ctx, cfg.Topic, cfg.Subscription, cfg.RetryPolicy); err != nil {
			return err
		}
	}

	path := transport.SubscriptionPath(topic, subscription)
	handle, created, err := b.entities.getOrCreate(entityKey{kind: subscriptionReceiverKind, path: path}, func(entityKey) (*entityHandle, error) {
		r := &subscriptionReceiver{topic: topic, subscription: subscription, path: path}
		return &entityHandle{value: r, onClose: r.stop}, nil
	})
	if err != nil {
		return errspkg.ErrBusClosed
	}

	receiver := handle.value.(*subscriptionReceiver)
	receiver.binding.Store(bind)
	b.ensureLoop(ctx, &receiver.loopRunner, func(loopCtx context.Context) {
		b.runReceiver(loopCtx, receiver)
	})

	fields := loggingpkg.LogFields{
		"topic":             topic,
		"subscription":      subscription,
		"concurrency_level": cfg.ConcurrencyLevel,
		"retry_enabled":     cfg.RetryPolicy != nil,
	}
	if created {
		b.logger.Info("Registered subscription handler", fields)
	} else {
		b.logger.Info("Replaced subscription handler", fields)
	}
	return nil
}

// ensureLoop starts loop in the bus wait group unless a loop with a live
// context is already running. A loop whose context was cancelled but which
// has not returned yet is replaced: the new loop waits for it to exit first.
// The loop stops when ctx is cancelled or the bus closes. Must be called
// with closedMu held.
func (b *Bus[T, S]) ensureLoop(ctx context.Context, l *loopRunner, loop func(context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() == nil {
		return false
	}

	prev := l.done
	loopCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.loopCtx, cancel)
	done := make(chan struct{})
	l.ctx, l.cancel, l.done = loopCtx, cancel, done

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)
		defer func() {
			stop()
			cancel()
			l.mu.Lock()
			if l.done == done {
				l.ctx = nil
			}
			l.mu.Unlock()
		}()
		if prev != nil {
			select {
			case <-prev:
			case <-loopCtx.Done():
				return
			}
		}
		loop(loopCtx)
	}()
	return true
}

func (b *Bus[T, S]) runReceiver(ctx context.Context, r *subscriptionReceiver) {
	fields := loggingpkg.LogFields{"subscription": r.subscription}
	b.logger.Debug("Receive loop started", fields)
	defer b.logger.Debug("Receive loop stopped", fields)

	for {
		bind := r.binding.Load()
		if err := bind.sem.Acquire(ctx, 1); err != nil {
			return
		}

		d, err := b.broker.Receive(ctx, r.path)
		if err != nil {
			bind.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			b.logger.Error("Failed to receive message", err, fields)
			if !b.pause(ctx) {
				return
			}
			continue
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer bind.sem.Release(1)
			b.handleDelivery(r, bind, d)
		}()
	}
}

// handleDelivery runs the bound handler and settles the lease: complete on
// success, abandon on failure so the broker redelivers or dead-letters.
func (b *Bus[T, S]) handleDelivery(r *subscriptionReceiver, bind *binding, d *transport.Delivery) {
	msg := d.Message
	msg.SetContext(b.handlerCtx)

	_, err := bind.handler(msg)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(b.handlerCtx), settleTimeout)
	defer cancel()

	fields := loggingpkg.LogFields{
		"subscription":   r.subscription,
		"message_id":     msg.UUID,
		"delivery_count": d.DeliveryCount,
	}
	if err != nil {
		b.logger.Error("Handler failed, abandoning delivery", err, fields)
		if abandonErr := d.Abandon(settleCtx); abandonErr != nil {
			b.logger.Error("Failed to abandon delivery", abandonErr, fields)
		}
		return
	}
	if completeErr := d.Complete(settleCtx); completeErr != nil {
		b.logger.Error("Failed to complete delivery", completeErr, fields)
	}
}

func (b *Bus[T, S]) pause(ctx context.Context) bool {
	t := time.NewTimer(b.opts.ReceiveErrorPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SetupEntitiesIfNotExist creates the topics and subscriptions of the topology.
func (b *Bus[T, S]) SetupEntitiesIfNotExist(ctx context.Context) error {
	if b.isClosed() {
		return errspkg.ErrBusClosed
	}
	return provisionEntities(ctx, b.broker, b.topology, b.opts.Provisioning, b.logger)
}

// reportFatal records an error that stopped a retry engine.
func (b *Bus[T, S]) reportFatal(err error) {
	b.fatalMu.Lock()
	b.fatalErrs = append(b.fatalErrs, err)
	b.fatalMu.Unlock()

	b.logger.Error("Retry engine stopped", err, loggingpkg.Critical(nil))
	if b.opts.OnFatal != nil {
		b.opts.OnFatal(err)
	}
}

// FatalErrors returns the errors that stopped retry engines so far.
func (b *Bus[T, S]) FatalErrors() []error {
	b.fatalMu.Lock()
	defer b.fatalMu.Unlock()
	return append([]error(nil), b.fatalErrs...)
}

func (b *Bus[T, S]) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

// Close stops every receive loop and retry engine, waits up to the shutdown
// grace period for in-flight handlers, closes the cached handles and the
// broker. It returns the joined close errors and retry engine failures.
func (b *Bus[T, S]) Close(ctx context.Context) error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	b.closedMu.Unlock()

	b.logger.Info("Closing message bus", loggingpkg.LogFields{
		"grace_period": b.opts.ShutdownGracePeriod.String(),
	})
	b.cancelLoops()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(b.opts.ShutdownGracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		b.logger.Error("Shutdown grace period elapsed with handlers in flight", nil, nil)
	case <-ctx.Done():
		b.logger.Error("Shutdown interrupted with handlers in flight", ctx.Err(), nil)
	}
	b.cancelHandlers()

	errs := []error{b.entities.closeAll(ctx)}
	if err := b.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
	}
	errs = append(errs, b.FatalErrors()...)
	return errors.Join(errs...)
}
