package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport"
)

type testTopic string

type testSubscription string

const (
	topicOrders    testTopic = "Orders"
	topicAudit     testTopic = "Audit"
	topicPermanent testTopic = "PermanentErrors"

	subOrdersBilling  testSubscription = "Orders_Billing"
	subOrdersShipping testSubscription = "Orders_Shipping"
	subAuditLog       testSubscription = "Audit_Log"
)

func testTopology() Topology[testTopic, testSubscription] {
	return Topology[testTopic, testSubscription]{
		Topics:        []testTopic{topicOrders, topicAudit, topicPermanent},
		Subscriptions: []testSubscription{subOrdersBilling, subOrdersShipping, subAuditLog},
	}
}

type orderMessage struct {
	BaseMessage
	Amount int `json:"amount"`
}

func newOrder(id, runID string) orderMessage {
	return orderMessage{BaseMessage: BaseMessage{ID: id, RunID: runID}, Amount: 42}
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger captures log entries for assertions.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

type sentMessage struct {
	topic string
	msg   *message.Message
}

// fakeBroker is an in-memory transport.Broker whose deliveries are pushed by
// tests and whose settlements are recorded.
type fakeBroker struct {
	mu          sync.Mutex
	queues      map[string]chan *transport.Delivery
	sent        []sentMessage
	sendErr     error
	completeErr error
	settlements map[string][]string

	topics        map[string]transport.TopicOptions
	subscriptions map[string]transport.SubscriptionOptions
	rules         map[string]transport.Rule

	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error
}

var (
	_ transport.Broker      = (*fakeBroker)(nil)
	_ transport.Provisioner = (*fakeBroker)(nil)
)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:        make(map[string]chan *transport.Delivery),
		settlements:   make(map[string][]string),
		topics:        make(map[string]transport.TopicOptions),
		subscriptions: make(map[string]transport.SubscriptionOptions),
		rules:         make(map[string]transport.Rule),
		closedCh:      make(chan struct{}),
	}
}

func (f *fakeBroker) queue(path string) chan *transport.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[path]
	if !ok {
		q = make(chan *transport.Delivery, 128)
		f.queues[path] = q
	}
	return q
}

// push makes msg available on path.
func (f *fakeBroker) push(path string, msg *message.Message, deliveryCount int) {
	d := transport.NewDelivery(msg, path, deliveryCount, time.Now().Add(time.Minute), &fakeSettler{broker: f, id: msg.UUID})
	f.queue(path) <- d
}

func (f *fakeBroker) Send(_ context.Context, topic string, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{topic: topic, msg: transport.CloneEnvelope(msg)})
	return nil
}

func (f *fakeBroker) Receive(ctx context.Context, path string) (*transport.Delivery, error) {
	q := f.queue(path)
	select {
	case d := <-q:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closedCh:
		return nil, transport.ErrClosed
	}
}

func (f *fakeBroker) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	return f.closeErr
}

func (f *fakeBroker) sentTo(topic string) []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*message.Message
	for _, s := range f.sent {
		if s.topic == topic {
			out = append(out, s.msg)
		}
	}
	return out
}

func (f *fakeBroker) settled(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.settlements[id]...)
}

func (f *fakeBroker) TopicExists(_ context.Context, topic string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.topics[topic]
	return ok, nil
}

func (f *fakeBroker) CreateTopic(_ context.Context, topic string, opts transport.TopicOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic] = opts
	return nil
}

func (f *fakeBroker) SubscriptionExists(_ context.Context, topic, subscription string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subscriptions[transport.SubscriptionPath(topic, subscription)]
	return ok, nil
}

func (f *fakeBroker) CreateSubscription(_ context.Context, topic, subscription string, opts transport.SubscriptionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := transport.SubscriptionPath(topic, subscription)
	f.subscriptions[path] = opts
	f.rules[path] = transport.MatchAllRule()
	return nil
}

func (f *fakeBroker) UpdateRule(_ context.Context, topic, subscription string, rule transport.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[transport.SubscriptionPath(topic, subscription)] = rule
	return nil
}

type fakeSettler struct {
	broker *fakeBroker
	id     string
}

func (s *fakeSettler) Complete(context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.broker.completeErr != nil {
		return s.broker.completeErr
	}
	s.broker.settlements[s.id] = append(s.broker.settlements[s.id], "complete")
	return nil
}

func (s *fakeSettler) Abandon(context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.settlements[s.id] = append(s.broker.settlements[s.id], "abandon")
	return nil
}

// envelopeFor encodes msg the way Publish does.
func envelopeFor(t *testing.T, msg Message) *message.Message {
	t.Helper()
	env, err := newEnvelope(context.Background(), msg, time.Time{}, time.Now())
	require.NoError(t, err)
	return env
}

func newTestBus(t *testing.T, broker transport.Broker, opts BusOptions) *Bus[testTopic, testSubscription] {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = newRecordingLogger()
	}
	if opts.ShutdownGracePeriod == 0 {
		opts.ShutdownGracePeriod = time.Second
	}
	if opts.ReceiveErrorPause == 0 {
		opts.ReceiveErrorPause = 10 * time.Millisecond
	}
	bus, err := NewBus(broker, testTopology(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}
