package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	"github.com/drblury/jobflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

// DeliveryHandler is the raw callback a bus invokes per delivery. Returning
// an error fails the delivery; the produced messages are ignored.
type DeliveryHandler = message.HandlerFunc

// Publisher publishes messages to typed topics.
type Publisher[T Name] interface {
	Publish(ctx context.Context, msg Message, topic T, executeAt time.Time) error
}

// DispatchOptions configures the dispatch wrapper.
type DispatchOptions struct {
	// RunID drops messages of other runs. Empty accepts every run.
	RunID string
	// MaxContinuationDepth caps continuation chains. Zero means unlimited.
	MaxContinuationDepth int
	Logger               loggingpkg.ServiceLogger
}

// Dispatch wraps handler into a DeliveryHandler that decodes the envelope,
// filters foreign runs and publishes the handler's continuation through
// publisher before the delivery is acknowledged.
func Dispatch[M Message, T Name](publisher Publisher[T], handler Handler[M, T], opts DispatchOptions) DeliveryHandler {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return func(env *message.Message) ([]*message.Message, error) {
		ctx := env.Context()
		fields := loggingpkg.LogFields{"message_id": env.UUID}

		var msg M
		if err := jsoncodec.Unmarshal(env.Payload, &msg); err != nil {
			logger.Error("Failed to decode message", err, fields)
			return nil, fmt.Errorf("failed to decode message %q: %w", env.UUID, err)
		}

		if opts.RunID != "" && msg.GetRunID() != opts.RunID {
			logger.Debug("Dropping message of another run", loggingpkg.LogFields{
				"message_id": env.UUID,
				"run_id":     msg.GetRunID(),
			})
			return nil, nil
		}

		depth := transport.ChainDepth(env)
		ctx = withCorrelationID(ctx, env.Metadata.Get(transport.MetadataCorrelationID))

		resp, err := handler.Handle(ctx, msg)
		if err != nil {
			logger.Error("Handler failed", err, fields)
			return nil, err
		}

		switch {
		case resp.IsPermanentFailure():
			logger.Error("Handler reported a permanent failure", nil, loggingpkg.LogFields{
				"message_id":  env.UUID,
				"status_code": resp.StatusCode,
			})
			return nil, nil
		case !resp.IsSuccess():
			return nil, &errspkg.HandlerStatusError{StatusCode: resp.StatusCode}
		}

		if resp.Continuation == nil {
			return nil, nil
		}
		if err := validateContinuation(resp.Continuation, depth+1, opts.MaxContinuationDepth); err != nil {
			logger.Error("Invalid continuation", err, fields)
			return nil, err
		}

		cont := resp.Continuation
		if err := publisher.Publish(withChainDepth(ctx, depth+1), cont.Message, cont.Topic, cont.ExecuteAt); err != nil {
			return nil, fmt.Errorf("failed to publish continuation of %q: %w", env.UUID, err)
		}
		return nil, nil
	}
}

func validateContinuation[T Name](cont *Continuation[T], depth, maxDepth int) error {
	switch {
	case cont.Message == nil:
		return fmt.Errorf("%w: message is required", errspkg.ErrInvalidContinuation)
	case cont.Message.GetID() == "":
		return fmt.Errorf("%w: %w", errspkg.ErrInvalidContinuation, errspkg.ErrMessageIDRequired)
	case cont.Message.GetRunID() == "":
		return fmt.Errorf("%w: %w", errspkg.ErrInvalidContinuation, errspkg.ErrRunIDRequired)
	case cont.Topic == "":
		return fmt.Errorf("%w: %w", errspkg.ErrInvalidContinuation, errspkg.ErrTopicRequired)
	case maxDepth > 0 && depth > maxDepth:
		return fmt.Errorf("%w: depth %d, limit %d", errspkg.ErrContinuationDepthExceeded, depth, maxDepth)
	}
	return nil
}

// RegisterHandler binds a typed handler to subscription through the dispatch
// wrapper, using the bus's run and continuation settings.
func RegisterHandler[M Message, T, S Name](
	ctx context.Context,
	bus MessageBus[T, S],
	topic T,
	subscription S,
	concurrencyLevel int,
	handler Handler[M, T],
	policy *RetryPolicy[T],
) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return bus.RegisterSubscriber(ctx, SubscriberConfig[T, S]{
		Topic:            topic,
		Subscription:     subscription,
		ConcurrencyLevel: concurrencyLevel,
		Handler:          Dispatch[M, T](bus, handler, bus.DispatchOptions()),
		RetryPolicy:      policy,
	})
}

type nopLogger struct{}

func (n nopLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return n }
func (nopLogger) Debug(string, loggingpkg.LogFields)                   {}
func (nopLogger) Info(string, loggingpkg.LogFields)                    {}
func (nopLogger) Error(string, error, loggingpkg.LogFields)            {}
func (nopLogger) Trace(string, loggingpkg.LogFields)                   {}
