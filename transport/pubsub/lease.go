package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/jobflow/transport"
)

// leaseState settles one Watermill message exactly once, either through the
// consumer or through lease expiry.
type leaseState struct {
	broker           *Broker
	msg              *message.Message
	path             transport.Path
	deliveryCount    int
	maxDeliveryCount int

	mu      sync.Mutex
	settled bool
	timer   *time.Timer
}

func (b *Broker) lease(msg *message.Message, p transport.Path, maxDeliveryCount int) *transport.Delivery {
	count := transport.DeliveryCount(msg) + 1
	l := &leaseState{
		broker:           b,
		msg:              msg,
		path:             p,
		deliveryCount:    count,
		maxDeliveryCount: maxDeliveryCount,
	}
	lockedUntil := b.now().Add(b.config.LockDuration)
	// expire settles under mu, so it cannot observe timer before it is set.
	l.mu.Lock()
	l.timer = time.AfterFunc(b.config.LockDuration, l.expire)
	l.mu.Unlock()
	return transport.NewDelivery(msg, p.String(), count, lockedUntil, l)
}

func (l *leaseState) settle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return false
	}
	l.settled = true
	if l.timer != nil {
		l.timer.Stop()
	}
	return true
}

func (l *leaseState) expire() {
	if !l.settle() {
		return
	}
	if err := l.release(context.Background()); err != nil {
		l.broker.logger.Error("Failed to release expired lease", err, watermill.LogFields{
			"path": l.path.String(),
			"uuid": l.msg.UUID,
		})
	}
}

func (l *leaseState) Complete(context.Context) error {
	if !l.settle() {
		return transport.ErrLeaseLost
	}
	l.msg.Ack()
	return nil
}

func (l *leaseState) Abandon(ctx context.Context) error {
	if !l.settle() {
		return transport.ErrLeaseLost
	}
	return l.release(ctx)
}

// release republishes the message for redelivery, or to the dead-letter
// queue once the delivery count reached the ceiling, then acks the original.
// When republishing fails the original is nacked so the transport redelivers it.
func (l *leaseState) release(ctx context.Context) error {
	b := l.broker
	out := transport.CloneEnvelope(l.msg)
	target := l.path

	if l.maxDeliveryCount > 0 && l.deliveryCount >= l.maxDeliveryCount {
		target = l.path.DeadLetterPath()
		transport.SetDeliveryCount(out, 0)
		out.Metadata.Set(transport.MetadataDeadLetterReason, "MaxDeliveryCountExceeded")
	} else {
		transport.SetDeliveryCount(out, l.deliveryCount)
	}
	out.SetContext(ctx)

	name := b.config.QueueName(target)
	if err := b.publisher.Publish(name, out); err != nil {
		l.msg.Nack()
		return fmt.Errorf("failed to republish to %q: %w", name, err)
	}
	l.msg.Ack()
	return nil
}
