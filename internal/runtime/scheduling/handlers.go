package scheduling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/drblury/jobflow/internal/runtime"
	idspkg "github.com/drblury/jobflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
)

// Response is the handler outcome on the scheduling topics.
type Response = runtime.HandlerResponse[Topic]

// WindowExecutor runs the work of one job window. Returning an error fails
// the delivery so the window is retried.
type WindowExecutor interface {
	ExecuteWindow(ctx context.Context, window JobWindow) error
}

// WindowExecutorFunc adapts a function to WindowExecutor.
type WindowExecutorFunc func(ctx context.Context, window JobWindow) error

func (f WindowExecutorFunc) ExecuteWindow(ctx context.Context, window JobWindow) error {
	return f(ctx, window)
}

// Scheduler holds the scheduling handlers.
type Scheduler struct {
	Logger   loggingpkg.ServiceLogger
	Executor WindowExecutor
	// Now is the clock used to anchor a definition's first window.
	Now func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ScheduleNextRun turns a periodic JobDefinition into its next JobWindow,
// published to TopicReadyToRunJobWindow once the window closes plus the
// schedule's run delay. Non-periodic or exhausted schedules end the chain.
func (s *Scheduler) ScheduleNextRun(_ context.Context, def JobDefinition) (Response, error) {
	fields := loggingpkg.LogFields{
		"rule_id":  def.RuleID,
		"periodic": def.Schedule.PeriodicJob,
	}
	if !def.Schedule.PeriodicJob {
		s.Logger.Info("Job definition is not periodic", fields)
		return runtime.FinalOK[Topic](), nil
	}

	from, to, ok := def.Schedule.NextWindowAt(def.LastRunWindowUpperBound, s.now())
	if !ok {
		s.Logger.Info("Schedule has no next window", fields)
		return runtime.FinalOK[Topic](), nil
	}

	window := NewJobWindow(def, from, to)
	executeAt := to.Add(def.Schedule.RunDelay())

	fields["window_id"] = window.ID
	fields["execute_at"] = executeAt
	s.Logger.Info("Scheduling next window", fields)

	return runtime.ContinueWith(window, TopicReadyToRunJobWindow, executeAt), nil
}

// NewJobWindow materializes the [from, to) window of def.
func NewJobWindow(def JobDefinition, from, to time.Time) JobWindow {
	window := JobWindow{
		JobDefinition:            def,
		FromTime:                 from,
		ToTime:                   to,
		SkipNextWindowValidation: def.Schedule.ForceSuppressWindowValidation,
	}
	window.ID = WindowID(from, to, def.RuleID)
	window.Name = ""
	window.LastRunWindowUpperBound = to
	return window
}

// RunWindow executes a ready window and publishes its definition back to
// TopicJobDefinitions with the window's upper bound, scheduling the next one.
func (s *Scheduler) RunWindow(ctx context.Context, window JobWindow) (Response, error) {
	if !window.FromTime.Before(window.ToTime) {
		s.Logger.Error("Dropping window with an empty time range", nil, loggingpkg.LogFields{
			"window_id": window.ID,
		})
		return runtime.FinalError[Topic](http.StatusUnprocessableEntity), nil
	}

	if s.Executor != nil {
		if err := s.Executor.ExecuteWindow(ctx, window); err != nil {
			return Response{}, fmt.Errorf("failed to execute window %q: %w", window.ID, err)
		}
	}

	next := window.JobDefinition
	next.ID = idspkg.NewMessageID(window.RunID)
	next.LastRunWindowUpperBound = window.ToTime

	s.Logger.Info("Window executed", loggingpkg.LogFields{
		"window_id": window.ID,
		"rule_id":   window.RuleID,
	})
	return runtime.ContinueWith(next, TopicJobDefinitions, time.Time{}), nil
}

// Options configures Register.
type Options struct {
	// ConcurrencyLevel applies to both subscriptions. Zero means 1.
	ConcurrencyLevel int
	// RetryPolicy defaults to runtime.DefaultRetryPolicy(TopicPermanentErrors).
	RetryPolicy *runtime.RetryPolicy[Topic]
}

// Register binds ScheduleNextRun and RunWindow on bus.
func (s *Scheduler) Register(ctx context.Context, bus runtime.MessageBus[Topic, Subscription], opts Options) error {
	concurrency := opts.ConcurrencyLevel
	if concurrency <= 0 {
		concurrency = 1
	}
	policy := opts.RetryPolicy
	if policy == nil {
		policy = runtime.DefaultRetryPolicy(TopicPermanentErrors)
	}

	if err := runtime.RegisterHandler[JobDefinition, Topic, Subscription](ctx, bus, TopicJobDefinitions, SubscriptionScheduleNextRun, concurrency,
		runtime.HandlerFunc[JobDefinition, Topic](s.ScheduleNextRun), policy); err != nil {
		return fmt.Errorf("failed to register %s: %w", SubscriptionScheduleNextRun, err)
	}
	if err := runtime.RegisterHandler[JobWindow, Topic, Subscription](ctx, bus, TopicReadyToRunJobWindow, SubscriptionRunWindow, concurrency,
		runtime.HandlerFunc[JobWindow, Topic](s.RunWindow), policy); err != nil {
		return fmt.Errorf("failed to register %s: %w", SubscriptionRunWindow, err)
	}
	return nil
}
