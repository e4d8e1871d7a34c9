package transport

import (
	"context"
	"time"
)

// TopicOptions configures a topic at creation time.
type TopicOptions struct {
	MaxSizeInMegabytes int
	EnablePartitioning bool
}

// SubscriptionOptions configures a subscription at creation time.
type SubscriptionOptions struct {
	// MaxDeliveryCount is the redelivery ceiling before dead-lettering.
	// Zero disables dead-lettering.
	MaxDeliveryCount int
	// DefaultMessageTimeToLive drops messages not consumed in time. Zero
	// keeps them forever.
	DefaultMessageTimeToLive time.Duration
}

// Rule filters the messages a subscription accepts.
type Rule struct {
	// MatchAll accepts every message and ignores the fields below. Newly
	// created subscriptions start with a MatchAll rule.
	MatchAll bool
	// IncludeUnaddressed accepts messages whose "to" property is unset.
	IncludeUnaddressed bool
	// AddressedTo accepts messages whose "to" property equals it.
	AddressedTo string
}

// MatchAllRule is the rule of a freshly created subscription.
func MatchAllRule() Rule {
	return Rule{MatchAll: true}
}

// DefaultRule accepts fan-out messages and messages addressed to subscription.
// It is the Go form of the filter "sys.To IS NULL OR sys.To = '<subscription>'".
func DefaultRule(subscription string) Rule {
	return Rule{IncludeUnaddressed: true, AddressedTo: subscription}
}

// Accepts reports whether a message addressed to "to" passes the rule.
func (r Rule) Accepts(to string) bool {
	if r.MatchAll {
		return true
	}
	if to == "" {
		return r.IncludeUnaddressed
	}
	return r.AddressedTo != "" && to == r.AddressedTo
}

// Provisioner is implemented by brokers that can create topics and
// subscriptions.
type Provisioner interface {
	TopicExists(ctx context.Context, topic string) (bool, error)
	CreateTopic(ctx context.Context, topic string, opts TopicOptions) error
	SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error)
	CreateSubscription(ctx context.Context, topic, subscription string, opts SubscriptionOptions) error
	UpdateRule(ctx context.Context, topic, subscription string, rule Rule) error
}
