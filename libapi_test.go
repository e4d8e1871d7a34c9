package jobflow

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/drblury/jobflow/transport/sqlite"
)

type demoTopic string

type demoSubscription string

func demoTopology() Topology[demoTopic, demoSubscription] {
	return Topology[demoTopic, demoSubscription]{
		Topics:        []demoTopic{"Orders", "PermanentErrors"},
		Subscriptions: []demoSubscription{"Orders_Billing"},
	}
}

type order struct {
	BaseMessage
	Total int `json:"total"`
}

func TestNewServiceValidation(t *testing.T) {
	ctx := context.Background()
	logger := NewEntryServiceLogger(&stubEntry{})

	_, err := NewService(ctx, nil, demoTopology(), logger, BusOptions{})
	assert.ErrorIs(t, err, ErrConfigRequired)

	_, err = NewService(ctx, &Config{Backend: "sqlite"}, demoTopology(), nil, BusOptions{})
	assert.ErrorIs(t, err, ErrLoggerRequired)

	_, err = NewService(ctx, &Config{Backend: "kafka"}, demoTopology(), logger, BusOptions{})
	var validation ConfigValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = NewService(ctx, &Config{Backend: "carrier-pigeon"}, demoTopology(), logger, BusOptions{})
	assert.Error(t, err)
}

func TestNewServiceOverSQLite(t *testing.T) {
	ctx := context.Background()
	logger := NewEntryServiceLogger(&stubEntry{})
	cfg := &Config{
		Backend:             "sqlite",
		SQLiteFile:          ":memory:",
		RunID:               "run-1",
		PollInterval:        5 * time.Millisecond,
		LockDuration:        time.Minute,
		MaxDeliveryCount:    5,
		DefaultMessageTTL:   time.Hour,
		ShutdownGracePeriod: time.Second,
		MetricsEnabled:      true,
	}

	svc, err := NewService(ctx, cfg, demoTopology(), logger, BusOptions{Metrics: NewMetrics(prometheus.NewRegistry())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	require.NoError(t, svc.SetupEntitiesIfNotExist(ctx))

	totals := make(chan int, 1)
	handler := HandlerFunc[order, demoTopic](func(_ context.Context, o order) (HandlerResponse[demoTopic], error) {
		totals <- o.Total
		return FinalOK[demoTopic](), nil
	})
	require.NoError(t, RegisterHandler[order, demoTopic, demoSubscription](ctx, svc, "Orders", "Orders_Billing", 1, handler, DefaultRetryPolicy[demoTopic]("PermanentErrors")))

	require.NoError(t, svc.Publish(ctx, order{BaseMessage: BaseMessage{ID: NewMessageID("run-1"), RunID: "run-1"}, Total: 99}, "Orders", time.Time{}))

	select {
	case total := <-totals:
		assert.Equal(t, 99, total)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not handled")
	}

	require.NotNil(t, svc.Metrics())
	require.Eventually(t, func() bool {
		stats := svc.Metrics().Snapshot().Subscriptions["Orders_Billing"]
		return stats != nil && stats.Completed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAdminHandlerExport(t *testing.T) {
	h := AdminHandler(NewMetrics(prometheus.NewRegistry()), nil, NewEntryServiceLogger(&stubEntry{}))
	assert.Implements(t, (*http.Handler)(nil), h)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"world"}`), &payload))
}

func TestSchedulingTopologyIsValid(t *testing.T) {
	assert.NoError(t, SchedulingTopology().Validate())
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
