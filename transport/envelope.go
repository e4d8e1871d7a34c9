package transport

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/jobflow/internal/runtime/jsoncodec"
	"github.com/drblury/jobflow/internal/runtime/metadata"
)

// Envelope property keys carried in message metadata.
const (
	MetadataContentType          = "content_type"
	MetadataPartitionKey         = "partition_key"
	MetadataScheduledEnqueueTime = "scheduled_enqueue_time"
	MetadataRetriesCount         = "retriesCount"
	MetadataTo                   = "to"
	MetadataRunID                = "run_id"
	MetadataDeliveryCount        = "delivery_count"
	MetadataChainDepth           = "chain_depth"
	MetadataCorrelationID        = "correlation_id"
	MetadataDeadLetterReason     = "dead_letter_reason"
)

// NewEnvelope builds a JSON envelope whose wire id and partition key are id.
func NewEnvelope(id string, body []byte) *message.Message {
	msg := message.NewMessage(id, body)
	msg.Metadata.Set(MetadataContentType, jsoncodec.ContentType)
	msg.Metadata.Set(MetadataPartitionKey, id)
	return msg
}

// CloneEnvelope copies the id, payload and metadata of msg into a new message.
func CloneEnvelope(msg *message.Message) *message.Message {
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	out := message.NewMessage(msg.UUID, payload)
	out.Metadata = metadata.Clone(msg.Metadata)
	return out
}

// ScheduledEnqueueTime returns the instant before which msg must stay hidden.
func ScheduledEnqueueTime(msg *message.Message) (time.Time, bool) {
	t, ok, err := metadata.Time(msg.Metadata, MetadataScheduledEnqueueTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, ok
}

// SetScheduledEnqueueTime schedules msg. A zero t makes it immediate.
func SetScheduledEnqueueTime(msg *message.Message, t time.Time) {
	metadata.SetTime(msg.Metadata, MetadataScheduledEnqueueTime, t)
}

// AvailableAt resolves when msg becomes visible, never earlier than now.
func AvailableAt(msg *message.Message, now time.Time) time.Time {
	if at, ok := ScheduledEnqueueTime(msg); ok && at.After(now) {
		return at.UTC()
	}
	return now.UTC()
}

// RetriesCount reads the retry engine's counter. Absent or malformed means 0.
func RetriesCount(msg *message.Message) int {
	n, err := metadata.Int(msg.Metadata, MetadataRetriesCount)
	if err != nil {
		return 0
	}
	return n
}

// SetRetriesCount stores the retry engine's counter.
func SetRetriesCount(msg *message.Message, n int) {
	metadata.SetInt(msg.Metadata, MetadataRetriesCount, n)
}

// To returns the subscription msg is addressed to, or "" for fan-out.
func To(msg *message.Message) string {
	return msg.Metadata.Get(MetadataTo)
}

// SetTo addresses msg to one subscription. An empty name clears it.
func SetTo(msg *message.Message, subscription string) {
	if subscription == "" {
		delete(msg.Metadata, MetadataTo)
		return
	}
	msg.Metadata.Set(MetadataTo, subscription)
}

// DeliveryCount returns how often msg has been handed out on its current path.
func DeliveryCount(msg *message.Message) int {
	n, err := metadata.Int(msg.Metadata, MetadataDeliveryCount)
	if err != nil {
		return 0
	}
	return n
}

// SetDeliveryCount is maintained by brokers.
func SetDeliveryCount(msg *message.Message, n int) {
	metadata.SetInt(msg.Metadata, MetadataDeliveryCount, n)
}

// ChainDepth returns how many continuations led to msg.
func ChainDepth(msg *message.Message) int {
	n, err := metadata.Int(msg.Metadata, MetadataChainDepth)
	if err != nil {
		return 0
	}
	return n
}

// SetChainDepth records the continuation depth of msg.
func SetChainDepth(msg *message.Message, depth int) {
	metadata.SetInt(msg.Metadata, MetadataChainDepth, depth)
}

// RunID returns the run id stamped on msg, if any.
func RunID(msg *message.Message) string {
	return msg.Metadata.Get(MetadataRunID)
}
