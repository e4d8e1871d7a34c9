package runtime

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

// EmulatorMaxAttempts is how often the in-memory bus invokes a failing
// handler before it gives up on a message.
const EmulatorMaxAttempts = 10

// emulatorMaxSyncDepth bounds nested synchronous dispatch; deeper
// continuation chains continue on a new goroutine.
const emulatorMaxSyncDepth = 32

type syncDepthKey struct{}

func syncDepthFrom(ctx context.Context) int {
	depth, _ := ctx.Value(syncDepthKey{}).(int)
	return depth
}

// MemoryBusOptions configures a MemoryBus.
type MemoryBusOptions struct {
	RunID                string
	Logger               loggingpkg.ServiceLogger
	MaxContinuationDepth int
	// Middlewares wrap every handler. Nil uses a correlation id and recoverer chain.
	Middlewares []MiddlewareRegistration
	Now         func() time.Time
}

type memorySubscription struct {
	topic        string
	subscription string
	handler      message.HandlerFunc
}

// MemoryBus is an in-process MessageBus for local runs and tests. Immediate
// publishes are dispatched synchronously to every subscription of the topic;
// scheduled publishes fire from timers. Failing handlers are retried in place
// without backoff; there is no dead-letter path and retry policies are ignored.
type MemoryBus[T, S Name] struct {
	topology Topology[T, S]
	opts     MemoryBusOptions
	logger   loggingpkg.ServiceLogger

	mu            sync.RWMutex
	subscriptions []*memorySubscription
	timers        map[*time.Timer]struct{}
	closed        bool
	wg            sync.WaitGroup
}

var _ MessageBus[string, string] = (*MemoryBus[string, string])(nil)

// NewMemoryBus creates an in-memory bus for topology.
func NewMemoryBus[T, S Name](topology Topology[T, S], opts MemoryBusOptions) (*MemoryBus[T, S], error) {
	if opts.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if opts.Middlewares == nil {
		opts.Middlewares = []MiddlewareRegistration{CorrelationIDMiddleware(), RecovererMiddleware()}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &MemoryBus[T, S]{
		topology: topology,
		opts:     opts,
		logger:   opts.Logger,
		timers:   make(map[*time.Timer]struct{}),
	}, nil
}

func (b *MemoryBus[T, S]) DispatchOptions() DispatchOptions {
	return DispatchOptions{
		RunID:                b.opts.RunID,
		MaxContinuationDepth: b.opts.MaxContinuationDepth,
		Logger:               b.logger,
	}
}

// Publish dispatches msg. Handler failures are logged, never returned.
func (b *MemoryBus[T, S]) Publish(ctx context.Context, msg Message, topic T, executeAt time.Time) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if !b.topology.HasTopic(topic) {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownTopic, topic)
	}

	now := b.opts.Now()
	env, err := newEnvelope(ctx, msg, executeAt, now)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errspkg.ErrBusClosed
	}
	if executeAt.After(now) {
		b.scheduleLocked(context.WithoutCancel(ctx), string(topic), env, executeAt.Sub(now))
		b.mu.Unlock()
		return nil
	}
	async := syncDepthFrom(ctx) >= emulatorMaxSyncDepth
	if async {
		b.wg.Add(1)
	}
	b.mu.Unlock()

	if async {
		go func() {
			defer b.wg.Done()
			b.deliver(context.WithValue(context.WithoutCancel(ctx), syncDepthKey{}, 0), string(topic), env)
		}()
		return nil
	}
	b.deliver(ctx, string(topic), env)
	return nil
}

func (b *MemoryBus[T, S]) scheduleLocked(ctx context.Context, topic string, env *message.Message, delay time.Duration) {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		delete(b.timers, timer)
		b.wg.Add(1)
		b.mu.Unlock()

		defer b.wg.Done()
		b.deliver(context.WithValue(ctx, syncDepthKey{}, 0), topic, env)
	})
	b.timers[timer] = struct{}{}
}

// deliver hands a copy of env to every subscription of topic that accepts it.
func (b *MemoryBus[T, S]) deliver(ctx context.Context, topic string, env *message.Message) {
	b.mu.RLock()
	var targets []*memorySubscription
	for _, sub := range b.subscriptions {
		if strings.EqualFold(sub.topic, topic) && transport.DefaultRule(sub.subscription).Accepts(transport.To(env)) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	depth := syncDepthFrom(ctx)
	for _, sub := range targets {
		b.deliverTo(context.WithValue(ctx, syncDepthKey{}, depth+1), sub, env)
	}
}

func (b *MemoryBus[T, S]) deliverTo(ctx context.Context, sub *memorySubscription, env *message.Message) {
	fields := loggingpkg.LogFields{
		"subscription": sub.subscription,
		"message_id":   env.UUID,
	}

	var lastErr error
	for attempt := 1; attempt <= EmulatorMaxAttempts; attempt++ {
		delivery := transport.CloneEnvelope(env)
		transport.SetDeliveryCount(delivery, attempt)
		delivery.SetContext(ctx)

		if _, lastErr = sub.handler(delivery); lastErr == nil {
			return
		}
		fields["attempt"] = attempt
		b.logger.Error("Handler failed", lastErr, fields)
	}
	b.logger.Error("Giving up on message after repeated handler failures", lastErr, loggingpkg.Critical(fields))
}

// RegisterSubscriber binds a handler. Registering a subscription again
// replaces its handler. Retry policies are validated and otherwise ignored.
func (b *MemoryBus[T, S]) RegisterSubscriber(_ context.Context, cfg SubscriberConfig[T, S]) error {
	if err := cfg.validate(b.topology); err != nil {
		return err
	}

	scope := MiddlewareScope{
		Topic:        string(cfg.Topic),
		Subscription: string(cfg.Subscription),
		Logger:       b.logger,
	}
	mws, err := buildMiddlewares(b.opts.Middlewares, scope)
	if err != nil {
		return err
	}
	sub := &memorySubscription{
		topic:        TopicOf(cfg.Subscription),
		subscription: string(cfg.Subscription),
		handler:      chainMiddlewares(cfg.Handler, mws),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errspkg.ErrBusClosed
	}

	idx := slices.IndexFunc(b.subscriptions, func(s *memorySubscription) bool {
		return s.subscription == sub.subscription
	})
	if idx >= 0 {
		b.subscriptions[idx] = sub
	} else {
		b.subscriptions = append(b.subscriptions, sub)
	}

	b.logger.Debug("Registered in-memory subscription", loggingpkg.LogFields{
		"subscription":  sub.subscription,
		"retry_ignored": cfg.RetryPolicy != nil,
	})
	return nil
}

// SetupEntitiesIfNotExist has nothing to provision in memory.
func (b *MemoryBus[T, S]) SetupEntitiesIfNotExist(context.Context) error {
	return nil
}

// PendingTimers returns the number of scheduled publishes not yet fired.
func (b *MemoryBus[T, S]) PendingTimers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.timers)
}

// Close cancels pending timers and waits for running deliveries.
func (b *MemoryBus[T, S]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	clear(b.timers)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
