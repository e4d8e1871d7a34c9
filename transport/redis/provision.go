package redis

import (
	"context"
	"fmt"

	"github.com/drblury/jobflow/internal/runtime/jsoncodec"
	"github.com/drblury/jobflow/transport"
)

// TopicExists reports whether topic was created.
func (b *Broker) TopicExists(ctx context.Context, topic string) (bool, error) {
	if b.isClosed() {
		return false, transport.ErrClosed
	}
	ok, err := b.client.SIsMember(ctx, b.keys.topics(), topic).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up topic %q: %w", topic, err)
	}
	return ok, nil
}

// CreateTopic creates topic. Creating an existing topic is a no-op.
func (b *Broker) CreateTopic(ctx context.Context, topic string, opts transport.TopicOptions) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	raw, err := jsoncodec.Marshal(opts)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, b.keys.topics(), topic)
	pipe.HSetNX(ctx, b.keys.topicOptions(), topic, string(raw))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create topic %q: %w", topic, err)
	}
	return nil
}

// SubscriptionExists reports whether subscription was created on topic.
func (b *Broker) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	if b.isClosed() {
		return false, transport.ErrClosed
	}
	ok, err := b.client.HExists(ctx, b.keys.subscriptions(topic), subscription).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up subscription %q: %w", subscription, err)
	}
	return ok, nil
}

// CreateSubscription creates subscription on an existing topic with a
// match-all rule. Creating an existing subscription is a no-op.
func (b *Broker) CreateSubscription(ctx context.Context, topic, subscription string, opts transport.SubscriptionOptions) error {
	exists, err := b.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", transport.ErrUnknownTopic, topic)
	}

	raw, err := jsoncodec.Marshal(subscriptionRecord{
		MaxDeliveryCount: opts.MaxDeliveryCount,
		TimeToLive:       opts.DefaultMessageTimeToLive,
		Rule:             transport.MatchAllRule(),
	})
	if err != nil {
		return err
	}
	if err := b.client.HSetNX(ctx, b.keys.subscriptions(topic), subscription, string(raw)).Err(); err != nil {
		return fmt.Errorf("failed to create subscription %q: %w", subscription, err)
	}
	return nil
}

// UpdateRule replaces the filter of subscription.
func (b *Broker) UpdateRule(ctx context.Context, topic, subscription string, rule transport.Rule) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	rec, ok, err := b.subscription(ctx, topic, subscription)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPath, transport.SubscriptionPath(topic, subscription))
	}
	rec.Rule = rule
	raw, err := jsoncodec.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.client.HSet(ctx, b.keys.subscriptions(topic), subscription, string(raw)).Err(); err != nil {
		return fmt.Errorf("failed to update rule of %q: %w", subscription, err)
	}
	return nil
}
