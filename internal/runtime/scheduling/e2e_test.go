package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/jobflow/internal/runtime"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
	"github.com/drblury/jobflow/transport/sqlite"
)

// windowRecorder collects executed window ids and signals once want arrived.
type windowRecorder struct {
	mu   sync.Mutex
	ids  []string
	want int
	done chan struct{}
	// failures fails that many executions before succeeding.
	failures int
}

func newWindowRecorder(want int) *windowRecorder {
	return &windowRecorder{want: want, done: make(chan struct{})}
}

func (r *windowRecorder) ExecuteWindow(_ context.Context, w JobWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return assert.AnError
	}
	r.ids = append(r.ids, w.ID+"@"+w.FromTime.Format(time.DateOnly))
	if len(r.ids) == r.want {
		close(r.done)
	}
	return nil
}

func (r *windowRecorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("windows were not executed in time")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// threeDays is a daily definition whose schedule ends after three windows.
func threeDays() JobDefinition {
	def := dailyDefinition(0)
	def.Schedule.EndAt = jan1.Add(3 * 24 * time.Hour)
	return def
}

var threeWindows = []string{
	"00:00:00-24:00:00#R1@2024-01-01",
	"00:00:00-24:00:00#R1@2024-01-02",
	"00:00:00-24:00:00#R1@2024-01-03",
}

func TestSchedulingChainOnMemoryBus(t *testing.T) {
	logger := testLogger(t)
	bus, err := runtime.NewMemoryBus(Topology(), runtime.MemoryBusOptions{RunID: "run-1", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	recorder := newWindowRecorder(3)
	s := &Scheduler{Logger: logger, Executor: recorder}
	require.NoError(t, s.Register(context.Background(), bus, Options{}))

	require.NoError(t, bus.Publish(context.Background(), threeDays(), TopicJobDefinitions, time.Time{}))

	// Past windows run synchronously, so the chain is done once Publish returns.
	assert.Equal(t, threeWindows, recorder.wait(t))
	assert.Zero(t, bus.PendingTimers())
}

func TestSchedulingChainOnSQLite(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)

	broker, err := sqlite.New(ctx, sqlite.Config{
		FilePath:     ":memory:",
		PollInterval: 5 * time.Millisecond,
		LockDuration: time.Minute,
	}, loggingpkg.NewWatermillAdapter(logger))
	require.NoError(t, err)

	bus, err := runtime.NewBus(broker, Topology(), runtime.BusOptions{
		RunID:               "run-1",
		Logger:              logger,
		ShutdownGracePeriod: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	require.NoError(t, bus.SetupEntitiesIfNotExist(ctx))

	recorder := newWindowRecorder(3)
	// The first execution fails and is redelivered by the broker.
	recorder.failures = 1
	s := &Scheduler{Logger: logger, Executor: recorder}
	require.NoError(t, s.Register(ctx, bus, Options{ConcurrencyLevel: 2}))

	require.NoError(t, bus.Publish(ctx, threeDays(), TopicJobDefinitions, time.Time{}))

	assert.Equal(t, threeWindows, recorder.wait(t))
	assert.Empty(t, bus.FatalErrors())
}
