package jobflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	runtimepkg "github.com/drblury/jobflow/internal/runtime"
	configpkg "github.com/drblury/jobflow/internal/runtime/config"
	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	idspkg "github.com/drblury/jobflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/jobflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/internal/runtime/scheduling"
	"github.com/drblury/jobflow/transport"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	Name                           = runtimepkg.Name
	Topology[T, S Name]            = runtimepkg.Topology[T, S]
	Message                        = runtimepkg.Message
	BaseMessage                    = runtimepkg.BaseMessage
	Continuation[T Name]           = runtimepkg.Continuation[T]
	HandlerResponse[T Name]        = runtimepkg.HandlerResponse[T]
	Handler[M Message, T Name]     = runtimepkg.Handler[M, T]
	HandlerFunc[M Message, T Name] = runtimepkg.HandlerFunc[M, T]
	RetryPolicy[T Name]            = runtimepkg.RetryPolicy[T]
	MessageBus[T, S Name]          = runtimepkg.MessageBus[T, S]
	Publisher[T Name]              = runtimepkg.Publisher[T]
	SubscriberConfig[T, S Name]    = runtimepkg.SubscriberConfig[T, S]
	DeliveryHandler                = runtimepkg.DeliveryHandler
	DispatchOptions                = runtimepkg.DispatchOptions
	Bus[T, S Name]                 = runtimepkg.Bus[T, S]
	BusOptions                     = runtimepkg.BusOptions
	MemoryBus[T, S Name]           = runtimepkg.MemoryBus[T, S]
	MemoryBusOptions               = runtimepkg.MemoryBusOptions
	ProvisioningOptions            = runtimepkg.ProvisioningOptions
	RetryEngineError               = errspkg.RetryEngineError
	HandlerStatusError             = errspkg.HandlerStatusError

	MiddlewareScope        = runtimepkg.MiddlewareScope
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Metrics           = runtimepkg.Metrics
	MetricsSnapshot   = runtimepkg.MetricsSnapshot
	SubscriptionStats = runtimepkg.SubscriptionStats

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	Broker                = transport.Broker
	Delivery              = transport.Delivery
	TransportConfig       = transport.Config
	TransportBuilder      = transport.Builder
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	// Scheduling
	JobDefinition          = scheduling.JobDefinition
	JobWindow              = scheduling.JobWindow
	Schedule               = scheduling.Schedule
	Scheduler              = scheduling.Scheduler
	SchedulerOptions       = scheduling.Options
	WindowExecutor         = scheduling.WindowExecutor
	WindowExecutorFunc     = scheduling.WindowExecutorFunc
	SchedulingTopic        = scheduling.Topic
	SchedulingSubscription = scheduling.Subscription
	SchedulingResponse     = scheduling.Response
	SchedulingService      = Service[scheduling.Topic, scheduling.Subscription]
)

// Scheduling topics and subscriptions.
const (
	TopicJobDefinitions      = scheduling.TopicJobDefinitions
	TopicReadyToRunJobWindow = scheduling.TopicReadyToRunJobWindow
	TopicPermanentErrors     = scheduling.TopicPermanentErrors

	SubscriptionScheduleNextRun = scheduling.SubscriptionScheduleNextRun
	SubscriptionRunWindow       = scheduling.SubscriptionRunWindow
	SubscriptionPermanentErrors = scheduling.SubscriptionPermanentErrors
)

var (
	LoadConfig           = configpkg.Load
	LoadConfigWithPrefix = configpkg.LoadWithPrefix
	ValidateConfig       = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewMetrics   = runtimepkg.NewMetrics
	AdminHandler = runtimepkg.AdminHandler

	CorrelationIDFrom = runtimepkg.CorrelationIDFrom

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrTopicRequired             = errspkg.ErrTopicRequired
	ErrSubscriptionRequired      = errspkg.ErrSubscriptionRequired
	ErrHandlerRequired           = errspkg.ErrHandlerRequired
	ErrMessageRequired           = errspkg.ErrMessageRequired
	ErrMessageIDRequired         = errspkg.ErrMessageIDRequired
	ErrRunIDRequired             = errspkg.ErrRunIDRequired
	ErrInvalidConcurrency        = errspkg.ErrInvalidConcurrency
	ErrInvalidRetryPolicy        = errspkg.ErrInvalidRetryPolicy
	ErrSubscriptionTopicMismatch = errspkg.ErrSubscriptionTopicMismatch
	ErrUnknownTopic              = errspkg.ErrUnknownTopic
	ErrUnknownSubscription       = errspkg.ErrUnknownSubscription
	ErrBusClosed                 = errspkg.ErrBusClosed
	ErrInvalidContinuation       = errspkg.ErrInvalidContinuation
	ErrContinuationDepthExceeded = errspkg.ErrContinuationDepthExceeded
	ErrHandlerStatus             = errspkg.ErrHandlerStatus
	ErrBrokerRequired            = errspkg.ErrBrokerRequired
	ErrProvisionerUnsupported    = errspkg.ErrProvisionerUnsupported
	ErrConfigRequired            = errspkg.ErrConfigRequired
	ErrLoggerRequired            = errspkg.ErrLoggerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger

	CreateULID   = idspkg.CreateULID
	NewMessageID = idspkg.NewMessageID

	DailySchedule = scheduling.Daily
	NewJobWindow  = scheduling.NewJobWindow
	WindowID      = scheduling.WindowID
)

func NewBus[T, S Name](broker Broker, topology Topology[T, S], opts BusOptions) (*Bus[T, S], error) {
	return runtimepkg.NewBus(broker, topology, opts)
}

func NewMemoryBus[T, S Name](topology Topology[T, S], opts MemoryBusOptions) (*MemoryBus[T, S], error) {
	return runtimepkg.NewMemoryBus(topology, opts)
}

func RegisterHandler[M Message, T, S Name](
	ctx context.Context,
	bus MessageBus[T, S],
	topic T,
	subscription S,
	concurrencyLevel int,
	handler Handler[M, T],
	policy *RetryPolicy[T],
) error {
	return runtimepkg.RegisterHandler[M, T, S](ctx, bus, topic, subscription, concurrencyLevel, handler, policy)
}

func DefaultRetryPolicy[T Name](permanentErrorsTopic T) *RetryPolicy[T] {
	return runtimepkg.DefaultRetryPolicy(permanentErrorsTopic)
}

func FinalOK[T Name]() HandlerResponse[T] {
	return runtimepkg.FinalOK[T]()
}

func FinalError[T Name](code int) HandlerResponse[T] {
	return runtimepkg.FinalError[T](code)
}

func ContinueWith[T Name](msg Message, topic T, executeAt time.Time) HandlerResponse[T] {
	return runtimepkg.ContinueWith(msg, topic, executeAt)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// Service is a Bus built from Config. It owns the metrics server when
// metrics are enabled.
type Service[T, S Name] struct {
	*Bus[T, S]
	metrics *Metrics
	admin   *runtimepkg.AdminServer
}

// NewService builds the broker selected by cfg.Backend from the default
// transport registry and wraps it in a Bus. Broker packages register
// themselves on import; import transport/transports to get all of them.
// Fields set in opts take precedence over cfg.
func NewService[T, S Name](ctx context.Context, cfg *Config, topology Topology[T, S], logger ServiceLogger, opts BusOptions) (*Service[T, S], error) {
	if cfg == nil {
		return nil, ErrConfigRequired
	}
	if logger == nil {
		return nil, ErrLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	opts.Logger = logger
	if opts.RunID == "" {
		opts.RunID = cfg.RunID
	}
	if opts.Provisioning == nil {
		opts.Provisioning = cfg
	}
	if opts.HandlerTimeout == 0 {
		opts.HandlerTimeout = cfg.HandlerTimeout
	}
	if opts.ShutdownGracePeriod == 0 {
		opts.ShutdownGracePeriod = cfg.ShutdownGracePeriod
	}
	if opts.MaxContinuationDepth == 0 {
		opts.MaxContinuationDepth = cfg.MaxContinuationDepth
	}
	if opts.Metrics == nil && cfg.MetricsEnabled {
		opts.Metrics = NewMetrics(nil)
	}

	broker, err := transport.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s broker: %w", cfg.Backend, err)
	}

	bus, err := runtimepkg.NewBus(broker, topology, opts)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}

	svc := &Service[T, S]{Bus: bus, metrics: opts.Metrics}
	if cfg.MetricsEnabled && cfg.MetricsPort > 0 {
		handler := AdminHandler(opts.Metrics, cfg.MetricsCORSAllowedOrigins, logger)
		svc.admin, err = runtimepkg.StartAdminServer(fmt.Sprintf(":%d", cfg.MetricsPort), handler, logger)
		if err != nil {
			_ = bus.Close(ctx)
			return nil, err
		}
	}
	return svc, nil
}

// Metrics returns the bus metrics, nil when disabled.
func (s *Service[T, S]) Metrics() *Metrics {
	return s.metrics
}

// Close closes the bus and stops the metrics server.
func (s *Service[T, S]) Close(ctx context.Context) error {
	err := s.Bus.Close(ctx)
	if s.admin != nil {
		err = errors.Join(err, s.admin.Shutdown(ctx))
	}
	return err
}

// NewScheduler wires the scheduling handlers onto bus.
func NewScheduler(ctx context.Context, bus MessageBus[SchedulingTopic, SchedulingSubscription], logger ServiceLogger, executor WindowExecutor, opts SchedulerOptions) (*Scheduler, error) {
	s := &Scheduler{Logger: logger, Executor: executor}
	if err := s.Register(ctx, bus, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// SchedulingTopology returns the topics and subscriptions used by Scheduler.
func SchedulingTopology() Topology[SchedulingTopic, SchedulingSubscription] {
	return scheduling.Topology()
}
