package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	idspkg "github.com/drblury/jobflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

// retryEngine drains the dead-letter path of one subscription. Each
// dead-lettered message is either resubmitted to its origin topic, addressed
// to the subscription and delayed by the policy backoff, or forwarded to the
// permanent errors topic once its retries are exhausted.
type retryEngine[T, S Name] struct {
	loopRunner
	topic        T
	subscription S
	path         string
	policy       atomic.Pointer[RetryPolicy[T]]
}

// startRetryEngine starts the engine of subscription, or swaps the policy of
// the running one. Must be called with closedMu held.
func (b *Bus[T, S]) startRetryEngine(ctx context.Context, topic T, subscription S, policy *RetryPolicy[T]) error {
	path := transport.DeadLetterPath(string(topic), string(subscription))
	handle, _, err := b.entities.getOrCreate(entityKey{kind: deadLetterReceiverKind, path: path}, func(entityKey) (*entityHandle, error) {
		e := &retryEngine[T, S]{topic: topic, subscription: subscription, path: path}
		return &entityHandle{value: e, onClose: e.stop}, nil
	})
	if err != nil {
		return errspkg.ErrBusClosed
	}

	engine := handle.value.(*retryEngine[T, S])
	engine.policy.Store(policy)
	if b.ensureLoop(ctx, &engine.loopRunner, func(loopCtx context.Context) {
		b.runRetryEngine(loopCtx, engine)
	}) {
		b.logger.Info("Started retry engine", loggingpkg.LogFields{
			"subscription":           string(subscription),
			"max_retry_count":        policy.MaxRetryCount,
			"permanent_errors_topic": string(policy.PermanentErrorsTopic),
		})
	}
	return nil
}

func (b *Bus[T, S]) runRetryEngine(ctx context.Context, e *retryEngine[T, S]) {
	fields := loggingpkg.LogFields{"subscription": string(e.subscription), "path": e.path}

	for {
		d, err := b.broker.Receive(ctx, e.path)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			b.logger.Error("Failed to receive dead-lettered message", err, fields)
			if !b.pause(ctx) {
				return
			}
			continue
		}

		if err := b.retryDeadLetter(ctx, e, d); err != nil {
			b.opts.Metrics.recordEngineFailure(string(e.subscription))
			b.reportFatal(&errspkg.RetryEngineError{
				Topic:        string(e.topic),
				Subscription: string(e.subscription),
				Err:          err,
			})
			return
		}
	}
}

// retryDeadLetter settles one dead-lettered delivery. Messages of other runs
// are left leased so their own engine can pick them up once the lease expires.
func (b *Bus[T, S]) retryDeadLetter(ctx context.Context, e *retryEngine[T, S], d *transport.Delivery) error {
	msg := d.Message
	fields := loggingpkg.LogFields{
		"subscription": string(e.subscription),
		"message_id":   msg.UUID,
	}

	if !b.belongsToRun(msg.UUID, transport.RunID(msg)) {
		b.logger.Debug("Skipping dead-lettered message of another run", fields)
		return nil
	}

	policy := e.policy.Load()
	retriesCount := transport.RetriesCount(msg)
	settleCtx := context.WithoutCancel(ctx)

	out := transport.CloneEnvelope(msg)
	delete(out.Metadata, transport.MetadataDeliveryCount)
	delete(out.Metadata, transport.MetadataDeadLetterReason)

	if retriesCount < policy.MaxRetryCount {
		delay := policy.GetDelay(retriesCount)
		transport.SetRetriesCount(out, retriesCount+1)
		transport.SetScheduledEnqueueTime(out, b.opts.Now().Add(delay))
		transport.SetTo(out, string(e.subscription))

		if err := b.broker.Send(settleCtx, string(e.topic), out); err != nil {
			return fmt.Errorf("failed to resubmit message %q: %w", msg.UUID, err)
		}
		if err := d.Complete(settleCtx); err != nil {
			return fmt.Errorf("failed to complete dead-lettered message %q: %w", msg.UUID, err)
		}

		b.opts.Metrics.recordResubmit(string(e.subscription), retriesCount+1)
		fields["retries_count"] = retriesCount + 1
		fields["delay"] = delay.String()
		b.logger.Info("Resubmitted dead-lettered message", fields)
		return nil
	}

	permanent := string(policy.PermanentErrorsTopic)
	transport.SetTo(out, "")
	transport.SetScheduledEnqueueTime(out, time.Time{})

	if err := b.broker.Send(settleCtx, permanent, out); err != nil {
		return fmt.Errorf("failed to forward message %q to %q: %w", msg.UUID, permanent, err)
	}
	if err := d.Complete(settleCtx); err != nil {
		return fmt.Errorf("failed to complete dead-lettered message %q: %w", msg.UUID, err)
	}

	b.opts.Metrics.recordEscalation(string(e.subscription), retriesCount)
	fields["retries_count"] = retriesCount
	fields["permanent_errors_topic"] = permanent
	b.logger.Error("Retries exhausted, forwarded to permanent errors topic", nil, fields)
	return nil
}

// belongsToRun accepts messages whose id embeds the bus run id or whose
// run_id property matches it.
func (b *Bus[T, S]) belongsToRun(messageID, runID string) bool {
	if b.opts.RunID == "" {
		return true
	}
	return idspkg.BelongsToRun(messageID, b.opts.RunID) || runID == b.opts.RunID
}
