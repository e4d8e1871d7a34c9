package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestMessage() *message.Message {
	msg := message.NewMessage("msg-1", []byte(`{"id":"msg-1"}`))
	msg.SetContext(context.Background())
	return msg
}

func TestCorrelationIDMiddleware(t *testing.T) {
	mw := CorrelationIDMiddleware().Middleware

	t.Run("adds missing id", func(t *testing.T) {
		msg := newTestMessage()
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			assert.NotEmpty(t, middleware.MessageCorrelationID(m))
			return nil, nil
		})(msg)
		require.NoError(t, err)
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := newTestMessage()
		middleware.SetCorrelationID("fixed", msg)
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			assert.Equal(t, "fixed", middleware.MessageCorrelationID(m))
			return nil, nil
		})(msg)
		require.NoError(t, err)
	})
}

func TestLogMessagesMiddleware(t *testing.T) {
	logger := newRecordingLogger()
	mws, err := buildMiddlewares([]MiddlewareRegistration{LogMessagesMiddleware(nil)}, MiddlewareScope{
		Topic:        "Orders",
		Subscription: "Orders_Billing",
		Logger:       logger,
	})
	require.NoError(t, err)
	require.Len(t, mws, 1)

	_, err = chainMiddlewares(func(*message.Message) ([]*message.Message, error) { return nil, nil }, mws)(newTestMessage())
	require.NoError(t, err)

	entry, ok := logger.find("Processing message")
	require.True(t, ok)
	assert.Equal(t, "debug", entry.level)
	assert.Equal(t, "Orders_Billing", entry.fields["subscription"])
	assert.Equal(t, `{"id":"msg-1"}`, entry.fields["payload"])
}

func TestLogMessagesMiddlewareRequiresLogger(t *testing.T) {
	_, err := buildMiddlewares([]MiddlewareRegistration{LogMessagesMiddleware(nil)}, MiddlewareScope{})
	assert.Error(t, err)
}

func TestTracerMiddleware(t *testing.T) {
	mws, err := buildMiddlewares([]MiddlewareRegistration{TracerMiddleware()}, MiddlewareScope{Subscription: "Orders_Billing"})
	require.NoError(t, err)

	boom := errors.New("boom")
	var sawSpan bool
	_, err = chainMiddlewares(func(m *message.Message) ([]*message.Message, error) {
		sawSpan = trace.SpanFromContext(m.Context()) != nil
		return nil, boom
	}, mws)(newTestMessage())
	assert.ErrorIs(t, err, boom)
	assert.True(t, sawSpan)
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("skipped without metrics", func(t *testing.T) {
		mws, err := buildMiddlewares([]MiddlewareRegistration{MetricsMiddleware()}, MiddlewareScope{})
		require.NoError(t, err)
		assert.Empty(t, mws)
	})

	t.Run("records outcome", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		require.NoError(t, m.Register())
		mws, err := buildMiddlewares([]MiddlewareRegistration{MetricsMiddleware()}, MiddlewareScope{
			Subscription: "Orders_Billing",
			Metrics:      m,
		})
		require.NoError(t, err)

		h := chainMiddlewares(func(*message.Message) ([]*message.Message, error) { return nil, errors.New("boom") }, mws)
		_, _ = h(newTestMessage())

		stats := m.Snapshot().Subscriptions["Orders_Billing"]
		require.NotNil(t, stats)
		assert.Equal(t, uint64(1), stats.Abandoned)
		assert.Equal(t, int64(0), stats.InFlight)
	})
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Run("skipped without timeout", func(t *testing.T) {
		mws, err := buildMiddlewares([]MiddlewareRegistration{TimeoutMiddleware()}, MiddlewareScope{})
		require.NoError(t, err)
		assert.Empty(t, mws)
	})

	t.Run("fails overrunning handler", func(t *testing.T) {
		mws, err := buildMiddlewares([]MiddlewareRegistration{TimeoutMiddleware()}, MiddlewareScope{HandlerTimeout: 10 * time.Millisecond})
		require.NoError(t, err)

		h := chainMiddlewares(func(m *message.Message) ([]*message.Message, error) {
			<-m.Context().Done()
			return nil, nil
		}, mws)
		_, err = h(newTestMessage())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("passes fast handler", func(t *testing.T) {
		mws, err := buildMiddlewares([]MiddlewareRegistration{TimeoutMiddleware()}, MiddlewareScope{HandlerTimeout: time.Second})
		require.NoError(t, err)

		h := chainMiddlewares(func(*message.Message) ([]*message.Message, error) { return nil, nil }, mws)
		_, err = h(newTestMessage())
		assert.NoError(t, err)
	})
}

func TestRecovererMiddleware(t *testing.T) {
	h := RecovererMiddleware().Middleware(func(*message.Message) ([]*message.Message, error) {
		panic("kaboom")
	})
	_, err := h(newTestMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestBuildMiddlewaresValidation(t *testing.T) {
	_, err := buildMiddlewares([]MiddlewareRegistration{{Name: "empty"}}, MiddlewareScope{})
	assert.ErrorContains(t, err, `middleware "empty" requires Middleware or Builder`)

	boom := errors.New("boom")
	_, err = buildMiddlewares([]MiddlewareRegistration{{
		Name:    "broken",
		Builder: func(MiddlewareScope) (message.HandlerMiddleware, error) { return nil, boom },
	}}, MiddlewareScope{})
	assert.ErrorIs(t, err, boom)
}

func TestChainMiddlewaresOrder(t *testing.T) {
	var order []string
	mark := func(name string) message.HandlerMiddleware {
		return func(h message.HandlerFunc) message.HandlerFunc {
			return func(m *message.Message) ([]*message.Message, error) {
				order = append(order, name)
				return h(m)
			}
		}
	}

	h := chainMiddlewares(func(*message.Message) ([]*message.Message, error) {
		order = append(order, "handler")
		return nil, nil
	}, []message.HandlerMiddleware{mark("outer"), mark("inner")})
	_, err := h(newTestMessage())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestWithHooksPlacesHooksOutsideRecoverer(t *testing.T) {
	hooks := JobHooks{OnJobError: func(JobContext, error) {}}

	regs := withHooks(DefaultMiddlewares(), hooks)
	var names []string
	for _, reg := range regs {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{"correlation_id", "log_messages", "tracer", "metrics", "timeout", "job_hooks", "recoverer"}, names)

	assert.Len(t, withHooks(DefaultMiddlewares(), JobHooks{}), len(DefaultMiddlewares()))

	custom := withHooks([]MiddlewareRegistration{CorrelationIDMiddleware()}, hooks)
	assert.Equal(t, "job_hooks", custom[len(custom)-1].Name)
}

func TestHooksSeePanicsAsErrors(t *testing.T) {
	var hookErr error
	regs := withHooks([]MiddlewareRegistration{RecovererMiddleware()}, JobHooks{
		OnJobError: func(_ JobContext, err error) { hookErr = err },
	})
	mws, err := buildMiddlewares(regs, MiddlewareScope{Subscription: "Orders_Billing"})
	require.NoError(t, err)

	h := chainMiddlewares(func(*message.Message) ([]*message.Message, error) { panic("kaboom") }, mws)
	_, err = h(newTestMessage())
	assert.Error(t, err)
	assert.Error(t, hookErr)
}
