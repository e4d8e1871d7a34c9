package runtime

import (
	"context"
	"fmt"
	"time"

	configpkg "github.com/drblury/jobflow/internal/runtime/config"
	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

// ProvisioningOptions resolves per-entity creation options. *config.Config
// implements it.
type ProvisioningOptions interface {
	TopicOptions(topic string) (maxSizeInMegabytes int, enablePartitioning bool)
	SubscriptionOptions(topic, subscription string) (maxDeliveryCount int, ttl time.Duration)
}

// DefaultProvisioning applies the same options to every entity: 1 GiB topics
// without partitioning, five deliveries and a 48h time to live.
type DefaultProvisioning struct{}

func (DefaultProvisioning) TopicOptions(string) (int, bool) {
	return configpkg.DefaultTopicMaxSizeInMegabytes, false
}

func (DefaultProvisioning) SubscriptionOptions(string, string) (int, time.Duration) {
	return configpkg.DefaultMaxDeliveryCount, configpkg.DefaultMessageTTL
}

// provisionEntities creates missing topics and subscriptions. Existing
// entities are left untouched; new subscriptions get the default routing rule.
func provisionEntities[T, S Name](
	ctx context.Context,
	broker transport.Broker,
	topology Topology[T, S],
	opts ProvisioningOptions,
	logger loggingpkg.ServiceLogger,
) error {
	p, ok := broker.(transport.Provisioner)
	if !ok {
		return errspkg.ErrProvisionerUnsupported
	}
	if opts == nil {
		opts = DefaultProvisioning{}
	}

	for _, topic := range topology.Topics {
		name := string(topic)
		exists, err := p.TopicExists(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check topic %q: %w", name, err)
		}
		if exists {
			continue
		}

		maxSize, partitioning := opts.TopicOptions(name)
		if err := p.CreateTopic(ctx, name, transport.TopicOptions{
			MaxSizeInMegabytes: maxSize,
			EnablePartitioning: partitioning,
		}); err != nil {
			return fmt.Errorf("failed to create topic %q: %w", name, err)
		}
		logger.Info("Created topic", loggingpkg.LogFields{"topic": name})
	}

	for _, sub := range topology.Subscriptions {
		name := string(sub)
		topic := TopicOf(sub)
		exists, err := p.SubscriptionExists(ctx, topic, name)
		if err != nil {
			return fmt.Errorf("failed to check subscription %q: %w", name, err)
		}
		if exists {
			continue
		}

		maxDeliveryCount, ttl := opts.SubscriptionOptions(topic, name)
		if err := p.CreateSubscription(ctx, topic, name, transport.SubscriptionOptions{
			MaxDeliveryCount:         maxDeliveryCount,
			DefaultMessageTimeToLive: ttl,
		}); err != nil {
			return fmt.Errorf("failed to create subscription %q: %w", name, err)
		}
		if err := p.UpdateRule(ctx, topic, name, transport.DefaultRule(name)); err != nil {
			return fmt.Errorf("failed to set rule of subscription %q: %w", name, err)
		}
		logger.Info("Created subscription", loggingpkg.LogFields{
			"topic":              topic,
			"subscription":       name,
			"max_delivery_count": maxDeliveryCount,
			"ttl":                ttl.String(),
		})
	}
	return nil
}
