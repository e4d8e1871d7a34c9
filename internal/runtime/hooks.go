package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// Topic and Subscription identify the binding that received the message.
	Topic        string
	Subscription string
	// MessageID is the wire id of the message.
	MessageID string
	RunID     string
	// Metadata contains the envelope properties.
	Metadata message.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// DeliveryCount is how often the broker has handed out this message.
	DeliveryCount int
	// RetriesCount is how often the retry engine has resubmitted it.
	RetriesCount int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a handler successfully completes processing.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a handler fails, times out or panics.
	OnJobError func(ctx JobContext, err error)
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// at appropriate points in the message lifecycle.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(scope MiddlewareScope) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(hooks, scope), nil
		},
	}
}

func jobHooksMiddleware(hooks JobHooks, scope MiddlewareScope) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := JobContext{
				Topic:         scope.Topic,
				Subscription:  scope.Subscription,
				MessageID:     msg.UUID,
				RunID:         transport.RunID(msg),
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
				DeliveryCount: transport.DeliveryCount(msg),
				RetriesCount:  transport.RetriesCount(msg),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}

			return msgs, err
		}
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"subscription":   ctx.Subscription,
				"message_id":     ctx.MessageID,
				"delivery_count": ctx.DeliveryCount,
				"retries_count":  ctx.RetriesCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"subscription": ctx.Subscription,
				"message_id":   ctx.MessageID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"subscription":   ctx.Subscription,
				"message_id":     ctx.MessageID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward lifecycle events to
// custom counters.
func MetricsHooks(onStart, onDone, onError func(topic, subscription string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Topic, ctx.Subscription)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Topic, ctx.Subscription)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.Topic, ctx.Subscription)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
