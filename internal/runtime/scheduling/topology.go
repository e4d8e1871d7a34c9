// Package scheduling implements recurring job windows on top of the message
// bus. A JobDefinition published to TopicJobDefinitions is turned into the
// next JobWindow, delivered on TopicReadyToRunJobWindow once the window has
// closed. Running the window publishes the definition again with its upper
// bound advanced, so each definition keeps itself scheduled.
package scheduling

import (
	"github.com/drblury/jobflow/internal/runtime"
)

// Topic names a scheduling topic.
type Topic string

// Subscription names a scheduling subscription as "<Topic>_<Name>".
type Subscription string

const (
	TopicJobDefinitions      Topic = "JobDefinitions"
	TopicReadyToRunJobWindow Topic = "ReadyToRunJobWindow"
	TopicPermanentErrors     Topic = "PermanentErrors"
)

const (
	SubscriptionScheduleNextRun Subscription = "JobDefinitions_ScheduleNextRun"
	SubscriptionRunWindow       Subscription = "ReadyToRunJobWindow_RunWindow"
	SubscriptionPermanentErrors Subscription = "PermanentErrors_Inspect"
)

// Topology returns the scheduling topics and subscriptions.
func Topology() runtime.Topology[Topic, Subscription] {
	return runtime.Topology[Topic, Subscription]{
		Topics: []Topic{
			TopicJobDefinitions,
			TopicReadyToRunJobWindow,
			TopicPermanentErrors,
		},
		Subscriptions: []Subscription{
			SubscriptionScheduleNextRun,
			SubscriptionRunWindow,
			SubscriptionPermanentErrors,
		},
	}
}
