package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrTopicRequired", ErrTopicRequired, "jobflow: topic is required"},
		{"ErrSubscriptionRequired", ErrSubscriptionRequired, "jobflow: subscription is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "jobflow: handler function is required"},
		{"ErrInvalidConcurrency", ErrInvalidConcurrency, "jobflow: concurrency level must be positive"},
		{"ErrBusClosed", ErrBusClosed, "jobflow: message bus is closed"},
		{"ErrConfigRequired", ErrConfigRequired, "jobflow: configuration is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Contains(t, err.Error(), "invalid port")
	assert.ErrorIs(t, err, inner)
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("wraps error", func(t *testing.T) {
		inner := errors.New("bad")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, inner, cfgErr.Err)
	})
}

func TestHandlerStatusError(t *testing.T) {
	err := &HandlerStatusError{StatusCode: 503}

	assert.Equal(t, "jobflow: handler returned status 503", err.Error())
	assert.ErrorIs(t, err, ErrHandlerStatus)
}

func TestRetryEngineError(t *testing.T) {
	inner := errors.New("send failed")
	err := &RetryEngineError{Topic: "Orders", Subscription: "Orders_Billing", Err: inner}

	assert.Contains(t, err.Error(), "Orders/Orders_Billing")
	assert.ErrorIs(t, err, inner)
}
