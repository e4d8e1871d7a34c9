package runtime

import (
	"errors"
	"fmt"
	"slices"

	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	"github.com/drblury/jobflow/transport"
)

// Name is the constraint of topic and subscription enumerations. Each
// deployment declares its own string types and constants.
type Name interface {
	~string
}

// Topology is the closed set of topics and subscriptions of a deployment.
// Subscription names follow the "<Topic>_<Subscription>" convention.
type Topology[T, S Name] struct {
	Topics        []T
	Subscriptions []S
}

// Validate checks that names are unique and every subscription belongs to a
// declared topic.
func (t Topology[T, S]) Validate() error {
	var errs []error

	topics := make(map[string]struct{}, len(t.Topics))
	for _, topic := range t.Topics {
		if topic == "" {
			errs = append(errs, errspkg.ErrTopicRequired)
			continue
		}
		if _, dup := topics[string(topic)]; dup {
			errs = append(errs, fmt.Errorf("duplicate topic %q", topic))
		}
		topics[string(topic)] = struct{}{}
	}

	subscriptions := make(map[string]struct{}, len(t.Subscriptions))
	for _, sub := range t.Subscriptions {
		if sub == "" {
			errs = append(errs, errspkg.ErrSubscriptionRequired)
			continue
		}
		if _, dup := subscriptions[string(sub)]; dup {
			errs = append(errs, fmt.Errorf("duplicate subscription %q", sub))
		}
		subscriptions[string(sub)] = struct{}{}
		if _, ok := topics[transport.TopicOf(string(sub))]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q", errspkg.ErrSubscriptionTopicMismatch, sub))
		}
	}

	return errors.Join(errs...)
}

// HasTopic reports whether topic is declared.
func (t Topology[T, S]) HasTopic(topic T) bool {
	return slices.Contains(t.Topics, topic)
}

// HasSubscription reports whether sub is declared.
func (t Topology[T, S]) HasSubscription(sub S) bool {
	return slices.Contains(t.Subscriptions, sub)
}

// TopicOf returns the topic that owns subscription.
func TopicOf[S Name](subscription S) string {
	return transport.TopicOf(string(subscription))
}

func validateBinding[T, S Name](topology Topology[T, S], topic T, subscription S) error {
	switch {
	case topic == "":
		return errspkg.ErrTopicRequired
	case subscription == "":
		return errspkg.ErrSubscriptionRequired
	case !topology.HasTopic(topic):
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownTopic, topic)
	case !topology.HasSubscription(subscription):
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownSubscription, subscription)
	case TopicOf(subscription) != string(topic):
		return fmt.Errorf("%w: %q is not a subscription of %q", errspkg.ErrSubscriptionTopicMismatch, subscription, topic)
	}
	return nil
}
