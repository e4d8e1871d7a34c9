package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	idspkg "github.com/drblury/jobflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

const tracerName = "github.com/drblury/jobflow"

// MiddlewareScope describes the subscription a middleware chain is built for.
type MiddlewareScope struct {
	Topic          string
	Subscription   string
	Logger         loggingpkg.ServiceLogger
	Metrics        *Metrics
	HandlerTimeout time.Duration
}

// MiddlewareBuilder constructs a handler middleware for one subscription.
// Returning a nil middleware skips it.
type MiddlewareBuilder func(MiddlewareScope) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware wraps subscription handlers.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		TimeoutMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if middleware.MessageCorrelationID(msg) == "" {
					middleware.SetCorrelationID(idspkg.CreateULID(), msg)
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages.
// A nil logger uses the bus logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(scope MiddlewareScope) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = scope.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l, scope), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger, scope MiddlewareScope) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id":   msg.UUID,
				"topic":        scope.Topic,
				"subscription": scope.Subscription,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(scope MiddlewareScope) (message.HandlerMiddleware, error) {
			return tracerMiddleware(scope), nil
		},
	}
}

func tracerMiddleware(scope MiddlewareScope) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "ProcessMessage")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.id", msg.UUID),
				attribute.String("messaging.destination", scope.Topic),
				attribute.String("messaging.subscription", scope.Subscription),
				attribute.Int("messaging.delivery_count", transport.DeliveryCount(msg)),
			)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

// MetricsMiddleware records handler duration, in-flight count and outcome.
// It is skipped when the bus has no metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(scope MiddlewareScope) (message.HandlerMiddleware, error) {
			if scope.Metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(scope.Metrics, scope.Subscription), nil
		},
	}
}

func metricsMiddleware(m *Metrics, subscription string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			m.handlerStarted(subscription)

			msgs, err := h(msg)

			outcome := OutcomeCompleted
			if err != nil {
				outcome = OutcomeAbandoned
			}
			m.handlerFinished(subscription, time.Since(start), outcome)
			return msgs, err
		}
	}
}

// TimeoutMiddleware cancels the handler context after the bus handler timeout
// and fails deliveries that overran it. It is skipped when no timeout is set.
func TimeoutMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(scope MiddlewareScope) (message.HandlerMiddleware, error) {
			if scope.HandlerTimeout <= 0 {
				return nil, nil
			}
			return timeoutMiddleware(scope.HandlerTimeout), nil
		},
	}
}

func timeoutMiddleware(timeout time.Duration) message.HandlerMiddleware {
	withTimeout := middleware.Timeout(timeout)
	return func(h message.HandlerFunc) message.HandlerFunc {
		return withTimeout(func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err == nil && errors.Is(msg.Context().Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("handler exceeded timeout of %s: %w", timeout, context.DeadlineExceeded)
			}
			return msgs, err
		})
	}
}

// RecovererMiddleware converts panics into handler errors so the delivery is abandoned.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// buildMiddlewares resolves registrations for scope, outermost first.
func buildMiddlewares(regs []MiddlewareRegistration, scope MiddlewareScope) ([]message.HandlerMiddleware, error) {
	out := make([]message.HandlerMiddleware, 0, len(regs))
	for _, reg := range regs {
		var mw message.HandlerMiddleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(scope)
			if err != nil {
				return nil, fmt.Errorf("middleware %q: %w", reg.Name, err)
			}
		default:
			return nil, fmt.Errorf("middleware %q requires Middleware or Builder", reg.Name)
		}
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out, nil
}

// chainMiddlewares wraps h so that the first middleware runs first.
func chainMiddlewares(h message.HandlerFunc, mws []message.HandlerMiddleware) message.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// withHooks places the hooks middleware just outside the recoverer so that
// panics reach OnJobError as errors.
func withHooks(regs []MiddlewareRegistration, hooks JobHooks) []MiddlewareRegistration {
	if hooks.empty() {
		return regs
	}
	out := make([]MiddlewareRegistration, 0, len(regs)+1)
	inserted := false
	for _, reg := range regs {
		if !inserted && reg.Name == "recoverer" {
			out = append(out, JobHooksMiddleware(hooks))
			inserted = true
		}
		out = append(out, reg)
	}
	if !inserted {
		out = append(out, JobHooksMiddleware(hooks))
	}
	return out
}
