package sqlbroker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/jobflow/transport"
)

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (b *Broker) topicExists(ctx context.Context, q execer, topic string) (bool, error) {
	var one int
	err := b.queryRow(ctx, q, `SELECT 1 FROM {topics} WHERE name = ?`, topic).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up topic %q: %w", topic, err)
	}
	return true, nil
}

// TopicExists reports whether topic was created.
func (b *Broker) TopicExists(ctx context.Context, topic string) (bool, error) {
	if b.isClosed() {
		return false, transport.ErrClosed
	}
	return b.topicExists(ctx, b.db, topic)
}

// CreateTopic creates topic. Creating an existing topic is a no-op.
func (b *Broker) CreateTopic(ctx context.Context, topic string, opts transport.TopicOptions) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	_, err := b.exec(ctx, b.db, `
		INSERT INTO {topics} (name, max_size_mb, partitioning, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`, topic, opts.MaxSizeInMegabytes, boolInt(opts.EnablePartitioning), b.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", topic, err)
	}
	b.logger.Debug("Topic created", watermill.LogFields{"topic": topic, "backend": b.dialect.Name})
	return nil
}

// SubscriptionExists reports whether subscription was created on topic.
func (b *Broker) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	if b.isClosed() {
		return false, transport.ErrClosed
	}
	var one int
	err := b.queryRow(ctx, b.db, `
		SELECT 1 FROM {subscriptions} WHERE topic = ? AND name = ?
	`, topic, subscription).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up subscription %q: %w", subscription, err)
	}
	return true, nil
}

// CreateSubscription creates subscription on an existing topic with a
// match-all rule. Creating an existing subscription is a no-op.
func (b *Broker) CreateSubscription(ctx context.Context, topic, subscription string, opts transport.SubscriptionOptions) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := b.topicExists(ctx, tx, topic)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %q", transport.ErrUnknownTopic, topic)
		}

		_, err = b.exec(ctx, tx, `
			INSERT INTO {subscriptions} (topic, name, max_delivery_count, ttl_ns, rule_match_all, created_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT (topic, name) DO NOTHING
		`, topic, subscription, opts.MaxDeliveryCount, int64(opts.DefaultMessageTimeToLive), b.now().UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to create subscription %q: %w", subscription, err)
		}
		b.logger.Debug("Subscription created", watermill.LogFields{
			"topic":        topic,
			"subscription": subscription,
			"backend":      b.dialect.Name,
		})
		return nil
	})
}

// UpdateRule replaces the filter of subscription.
func (b *Broker) UpdateRule(ctx context.Context, topic, subscription string, rule transport.Rule) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	res, err := b.exec(ctx, b.db, `
		UPDATE {subscriptions}
		SET rule_match_all = ?, rule_include_unaddressed = ?, rule_addressed_to = ?
		WHERE topic = ? AND name = ?
	`, boolInt(rule.MatchAll), boolInt(rule.IncludeUnaddressed), rule.AddressedTo, topic, subscription)
	if err != nil {
		return fmt.Errorf("failed to update rule of %q: %w", subscription, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPath, transport.SubscriptionPath(topic, subscription))
	}
	return nil
}
