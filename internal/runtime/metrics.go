package runtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery and publish outcomes used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeAbandoned = "abandoned"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Metrics records bus activity in Prometheus collectors and keeps per
// subscription counters for snapshots. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.RWMutex

	subscriptions map[string]*SubscriptionStats
	published     uint64
	publishFailed uint64

	publishedTotal   *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	resubmittedTotal *prometheus.CounterVec
	escalatedTotal   *prometheus.CounterVec
	engineFailures   *prometheus.CounterVec
	retriesCountHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// SubscriptionStats holds the counters of one subscription.
type SubscriptionStats struct {
	Completed      uint64    `json:"completed"`
	Abandoned      uint64    `json:"abandoned"`
	InFlight       int64     `json:"in_flight"`
	Resubmitted    uint64    `json:"resubmitted"`
	Escalated      uint64    `json:"escalated"`
	EngineFailures uint64    `json:"engine_failures"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Published     uint64                        `json:"published"`
	PublishFailed uint64                        `json:"publish_failed"`
	Subscriptions map[string]*SubscriptionStats `json:"subscriptions"`
	CollectedAt   time.Time                     `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates the collectors. A nil registerer uses the Prometheus
// default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		subscriptions:    make(map[string]*SubscriptionStats),
		registerer:       registerer,
		publishedTotal:   newCounterVec("bus", "published_total", "Messages published by topic and outcome", "topic", "outcome"),
		deliveriesTotal:  newCounterVec("bus", "deliveries_total", "Deliveries settled by subscription and outcome", "subscription", "outcome"),
		resubmittedTotal: newCounterVec("retry", "resubmitted_total", "Dead-lettered messages resubmitted to their origin topic", "subscription"),
		escalatedTotal:   newCounterVec("retry", "escalated_total", "Dead-lettered messages forwarded to the permanent errors topic", "subscription"),
		engineFailures:   newCounterVec("retry", "engine_failures_total", "Retry engines stopped by a resubmit failure", "subscription"),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobflow",
			Subsystem: "bus",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time by subscription",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subscription"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobflow",
			Subsystem: "bus",
			Name:      "in_flight",
			Help:      "Handler invocations currently running by subscription",
		}, []string{"subscription"}),
		retriesCountHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobflow",
			Subsystem: "retry",
			Name:      "retries_count",
			Help:      "retriesCount of dead-lettered messages read by the retry engine",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}, []string{"subscription"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	errs := []error{
		registerCollector(m.registerer, &m.publishedTotal),
		registerCollector(m.registerer, &m.deliveriesTotal),
		registerCollector(m.registerer, &m.handlerDuration),
		registerCollector(m.registerer, &m.inFlight),
		registerCollector(m.registerer, &m.resubmittedTotal),
		registerCollector(m.registerer, &m.escalatedTotal),
		registerCollector(m.registerer, &m.engineFailures),
		registerCollector(m.registerer, &m.retriesCountHist),
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// registerCollector registers *c, or adopts the collector already
// registered under the same name.
func registerCollector[C prometheus.Collector](r prometheus.Registerer, c *C) error {
	err := r.Register(*c)
	if err == nil {
		return nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m != nil {
		if gatherer, ok := m.registerer.(prometheus.Gatherer); ok {
			return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

func (m *Metrics) recordPublish(topic string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSucceeded
	m.mu.Lock()
	if err != nil {
		outcome = OutcomeFailed
		m.publishFailed++
	} else {
		m.published++
	}
	m.mu.Unlock()
	m.publishedTotal.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) handlerStarted(subscription string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(subscription)
	stats.InFlight++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()
	m.inFlight.WithLabelValues(subscription).Inc()
}

func (m *Metrics) handlerFinished(subscription string, took time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(subscription)
	stats.InFlight--
	if outcome == OutcomeCompleted {
		stats.Completed++
	} else {
		stats.Abandoned++
	}
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.inFlight.WithLabelValues(subscription).Dec()
	m.handlerDuration.WithLabelValues(subscription).Observe(took.Seconds())
	m.deliveriesTotal.WithLabelValues(subscription, outcome).Inc()
}

func (m *Metrics) recordResubmit(subscription string, retriesCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(subscription)
	stats.Resubmitted++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()
	m.resubmittedTotal.WithLabelValues(subscription).Inc()
	m.retriesCountHist.WithLabelValues(subscription).Observe(float64(retriesCount))
}

func (m *Metrics) recordEscalation(subscription string, retriesCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(subscription)
	stats.Escalated++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()
	m.escalatedTotal.WithLabelValues(subscription).Inc()
	m.retriesCountHist.WithLabelValues(subscription).Observe(float64(retriesCount))
}

func (m *Metrics) recordEngineFailure(subscription string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(subscription)
	stats.EngineFailures++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()
	m.engineFailures.WithLabelValues(subscription).Inc()
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Subscriptions: make(map[string]*SubscriptionStats),
		CollectedAt:   time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot.Published = m.published
	snapshot.PublishFailed = m.publishFailed
	for name, stats := range m.subscriptions {
		statsCopy := *stats
		snapshot.Subscriptions[name] = &statsCopy
	}
	return snapshot
}

// statsFor must be called with mu held.
func (m *Metrics) statsFor(subscription string) *SubscriptionStats {
	if stats, ok := m.subscriptions[subscription]; ok {
		return stats
	}
	stats := &SubscriptionStats{}
	m.subscriptions[subscription] = stats
	return stats
}
