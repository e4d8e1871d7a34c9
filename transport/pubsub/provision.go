package pubsub

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/jobflow/transport"
)

// TopicExists reports whether topic was created in this process.
func (b *Broker) TopicExists(_ context.Context, topic string) (bool, error) {
	if b.isClosed() {
		return false, transport.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.topics[topic]
	return ok, nil
}

// CreateTopic records topic. Watermill transports create their topics lazily.
func (b *Broker) CreateTopic(_ context.Context, topic string, opts transport.TopicOptions) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = opts
		b.subscriptions[topic] = make(map[string]*subscriptionState)
	}
	return nil
}

// SubscriptionExists reports whether subscription was created on topic.
func (b *Broker) SubscriptionExists(_ context.Context, topic, subscription string) (bool, error) {
	if b.isClosed() {
		return false, transport.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscriptions[topic][subscription]
	return ok, nil
}

// CreateSubscription records subscription with a match-all rule and
// subscribes to its queue and dead-letter queue, so messages sent before the
// first Receive are not lost.
func (b *Broker) CreateSubscription(_ context.Context, topic, subscription string, opts transport.SubscriptionOptions) error {
	if b.isClosed() {
		return transport.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscriptions[topic]
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownTopic, topic)
	}
	if _, exists := subs[subscription]; exists {
		return nil
	}

	p := transport.Path{Topic: topic, Subscription: subscription}
	for _, path := range []transport.Path{p, p.DeadLetterPath()} {
		name := b.config.QueueName(path)
		messages, err := b.subscriber.Subscribe(b.ctx, name)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", name, err)
		}
		b.queues[name] = &queue{messages: messages}
	}

	subs[subscription] = &subscriptionState{options: opts, rule: transport.MatchAllRule()}
	b.logger.Debug("Subscription created", watermill.LogFields{
		"topic":        topic,
		"subscription": subscription,
		"backend":      b.config.Capabilities.Name,
	})
	return nil
}

// UpdateRule replaces the filter of subscription.
func (b *Broker) UpdateRule(_ context.Context, topic, subscription string, rule transport.Rule) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[topic][subscription]
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPath, transport.SubscriptionPath(topic, subscription))
	}
	sub.rule = rule
	return nil
}
