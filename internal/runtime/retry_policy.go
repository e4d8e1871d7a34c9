package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
)

// Default dead-letter retry settings.
const (
	DefaultMaxRetryCount = 3
	DefaultMinBackoff    = 40 * time.Second
	DefaultMaxBackoff    = 2 * time.Minute
)

// RetryPolicy configures the dead-letter retry engine of one subscription.
// A policy is validated at registration and must not be modified afterwards.
type RetryPolicy[T Name] struct {
	// MaxRetryCount is how often a dead-lettered message is resubmitted
	// before it is forwarded to PermanentErrorsTopic.
	MaxRetryCount int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// Delay overrides the exponential backoff. It must be non-negative and
	// non-decreasing.
	Delay func(retriesCount int) time.Duration
	// PermanentErrorsTopic receives messages whose retries are exhausted.
	PermanentErrorsTopic T
}

// DefaultRetryPolicy retries three times between 40s and 2m before escalating
// to permanentErrorsTopic.
func DefaultRetryPolicy[T Name](permanentErrorsTopic T) *RetryPolicy[T] {
	return &RetryPolicy[T]{
		MaxRetryCount:        DefaultMaxRetryCount,
		MinBackoff:           DefaultMinBackoff,
		MaxBackoff:           DefaultMaxBackoff,
		PermanentErrorsTopic: permanentErrorsTopic,
	}
}

// Validate reports every invalid field, wrapped in ErrInvalidRetryPolicy.
func (p *RetryPolicy[T]) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: policy is nil", errspkg.ErrInvalidRetryPolicy)
	}

	var errs []error
	if p.MaxRetryCount < 0 {
		errs = append(errs, errors.New("max retry count cannot be negative"))
	}
	if p.MinBackoff < 0 || p.MaxBackoff < 0 {
		errs = append(errs, errors.New("backoff bounds cannot be negative"))
	}
	if p.Delay == nil && p.MinBackoff > p.MaxBackoff {
		errs = append(errs, fmt.Errorf("min backoff %s exceeds max backoff %s", p.MinBackoff, p.MaxBackoff))
	}
	if p.PermanentErrorsTopic == "" {
		errs = append(errs, errors.New("permanent errors topic is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrInvalidRetryPolicy, err)
	}
	return nil
}

// GetDelay returns the backoff before resubmission number retriesCount+1:
// min(MinBackoff*2^retriesCount, MaxBackoff) unless Delay is set.
func (p *RetryPolicy[T]) GetDelay(retriesCount int) time.Duration {
	if retriesCount < 0 {
		retriesCount = 0
	}
	if p.Delay != nil {
		return max(p.Delay(retriesCount), 0)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.MinBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxBackoff,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retriesCount && delay < p.MaxBackoff; i++ {
		delay = b.NextBackOff()
	}
	return min(max(delay, 0), p.MaxBackoff)
}
