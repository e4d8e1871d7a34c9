package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrTopicRequired             = sterrors.New("jobflow: topic is required")
	ErrSubscriptionRequired      = sterrors.New("jobflow: subscription is required")
	ErrHandlerRequired           = sterrors.New("jobflow: handler function is required")
	ErrMessageRequired           = sterrors.New("jobflow: message is required")
	ErrMessageIDRequired         = sterrors.New("jobflow: message id is required")
	ErrRunIDRequired             = sterrors.New("jobflow: run id is required")
	ErrInvalidConcurrency        = sterrors.New("jobflow: concurrency level must be positive")
	ErrInvalidRetryPolicy        = sterrors.New("jobflow: invalid retry policy")
	ErrSubscriptionTopicMismatch = sterrors.New("jobflow: subscription name does not belong to topic")
	ErrUnknownTopic              = sterrors.New("jobflow: topic is not part of the topology")
	ErrUnknownSubscription       = sterrors.New("jobflow: subscription is not part of the topology")
	ErrBusClosed                 = sterrors.New("jobflow: message bus is closed")
	ErrInvalidContinuation       = sterrors.New("jobflow: invalid continuation")
	ErrContinuationDepthExceeded = sterrors.New("jobflow: continuation depth exceeded")
	ErrHandlerStatus             = sterrors.New("jobflow: handler reported failure status")
	ErrBrokerRequired            = sterrors.New("jobflow: broker is required")
	ErrProvisionerUnsupported    = sterrors.New("jobflow: broker does not support provisioning")
	ErrConfigRequired            = sterrors.New("jobflow: configuration is required")
	ErrLoggerRequired            = sterrors.New("jobflow: logger is required")
)

// ConfigValidationError wraps the joined validation failures of a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("jobflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// HandlerStatusError reports a 5xx handler response so the delivery is abandoned.
type HandlerStatusError struct {
	StatusCode int
}

func (e *HandlerStatusError) Error() string {
	return fmt.Sprintf("jobflow: handler returned status %d", e.StatusCode)
}

func (e *HandlerStatusError) Unwrap() error {
	return ErrHandlerStatus
}

// RetryEngineError is reported when a dead-letter retry loop stops on a resubmit failure.
type RetryEngineError struct {
	Topic        string
	Subscription string
	Err          error
}

func (e *RetryEngineError) Error() string {
	return fmt.Sprintf("jobflow: retry engine %s/%s stopped: %v", e.Topic, e.Subscription, e.Err)
}

func (e *RetryEngineError) Unwrap() error {
	return e.Err
}
