package transport

import (
	"fmt"
	"strings"
)

const (
	// SubscriptionSeparator splits a subscription name into its owning topic
	// and the rest: "<Topic>_<Subscription>".
	SubscriptionSeparator = "_"
	// DeadLetterSuffix is appended to a subscription path to address its
	// dead-letter queue.
	DeadLetterSuffix = "$deadletterqueue"
)

// TopicOf returns the topic that owns a subscription name: the part before
// the first "_". A name without "_" is its own topic.
func TopicOf(subscription string) string {
	topic, _, _ := strings.Cut(subscription, SubscriptionSeparator)
	return topic
}

// SubscriptionPath formats "topic/subscription".
func SubscriptionPath(topic, subscription string) string {
	return topic + "/" + subscription
}

// DeadLetterPath formats "topic/subscription/$deadletterqueue".
func DeadLetterPath(topic, subscription string) string {
	return SubscriptionPath(topic, subscription) + "/" + DeadLetterSuffix
}

// Path is a parsed subscription or dead-letter path.
type Path struct {
	Topic        string
	Subscription string
	DeadLetter   bool
}

// String formats p back into its wire form.
func (p Path) String() string {
	if p.DeadLetter {
		return DeadLetterPath(p.Topic, p.Subscription)
	}
	return SubscriptionPath(p.Topic, p.Subscription)
}

// DeadLetterPath returns the dead-letter path of p's subscription.
func (p Path) DeadLetterPath() Path {
	return Path{Topic: p.Topic, Subscription: p.Subscription, DeadLetter: true}
}

// ParsePath parses a subscription or dead-letter path.
func ParsePath(raw string) (Path, error) {
	parts := strings.Split(raw, "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return Path{Topic: parts[0], Subscription: parts[1]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] == DeadLetterSuffix:
		return Path{Topic: parts[0], Subscription: parts[1], DeadLetter: true}, nil
	default:
		return Path{}, fmt.Errorf("%w: %q", ErrUnknownPath, raw)
	}
}
