package redis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/jobflow/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBroker(t *testing.T) (*Broker, *fakeClock, *miniredis.Miniredis) {
	t.Helper()

	m := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewWithClient(client, Config{PollInterval: time.Millisecond, LockDuration: time.Minute}, nil)
	t.Cleanup(func() { _ = b.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	b.now = clock.Now
	m.SetTime(clock.Now())
	return b, clock, m
}

func provision(t *testing.T, b *Broker, topic string, maxDeliveryCount int, ttl time.Duration, subs ...string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, b.CreateTopic(ctx, topic, transport.TopicOptions{MaxSizeInMegabytes: 1024}))
	for _, sub := range subs {
		require.NoError(t, b.CreateSubscription(ctx, topic, sub, transport.SubscriptionOptions{
			MaxDeliveryCount:         maxDeliveryCount,
			DefaultMessageTimeToLive: ttl,
		}))
		require.NoError(t, b.UpdateRule(ctx, topic, sub, transport.DefaultRule(sub)))
	}
}

func receiveNow(t *testing.T, b *Broker, path string) *transport.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := b.Receive(ctx, path)
	require.NoError(t, err)
	return d
}

func assertEmpty(t *testing.T, b *Broker, path string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "redis", caps.Name)
	assert.True(t, caps.SupportsDelay)
	assert.True(t, caps.SupportsLease)
	assert.Equal(t, transport.RedisCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, DefaultKeyPrefix, cfg.KeyPrefix)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultLockDuration, cfg.LockDuration)
}

func TestNew_ConnectsAndOwnsClient(t *testing.T) {
	m := miniredis.RunT(t)

	b, err := New(context.Background(), Config{Addr: m.Addr(), KeyPrefix: "owned"}, nil)
	require.NoError(t, err)
	require.NoError(t, b.CreateTopic(context.Background(), "Jobs", transport.TopicOptions{}))
	assert.True(t, m.Exists("owned:topics"))
	require.NoError(t, b.Close())
}

func TestProvisioning(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	err := b.CreateSubscription(ctx, "Jobs", "Jobs_Run", transport.SubscriptionOptions{})
	assert.ErrorIs(t, err, transport.ErrUnknownTopic)

	provision(t, b, "Jobs", 5, 0, "Jobs_Run")

	ok, err := b.TopicExists(ctx, "Jobs")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SubscriptionExists(ctx, "Jobs", "Jobs_Run")
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-creating keeps the rule already installed.
	require.NoError(t, b.CreateSubscription(ctx, "Jobs", "Jobs_Run", transport.SubscriptionOptions{}))
	rec, ok, err := b.subscription(ctx, "Jobs", "Jobs_Run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, transport.DefaultRule("Jobs_Run"), rec.Rule)
	assert.Equal(t, 5, rec.MaxDeliveryCount)

	err = b.UpdateRule(ctx, "Jobs", "Jobs_Missing", transport.MatchAllRule())
	assert.ErrorIs(t, err, transport.ErrUnknownPath)
}

func TestSend_FanOutAndAddressing(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()
	provision(t, b, "Jobs", 5, 0, "Jobs_A", "Jobs_B")

	assert.ErrorIs(t, b.Send(ctx, "Unknown", transport.NewEnvelope("x", nil)), transport.ErrUnknownTopic)

	require.NoError(t, b.Send(ctx, "Jobs", transport.NewEnvelope("fanout", []byte(`{"n":1}`))))
	addressed := transport.NewEnvelope("addressed", []byte(`{"n":2}`))
	transport.SetTo(addressed, "Jobs_B")
	require.NoError(t, b.Send(ctx, "Jobs", addressed))

	a := receiveNow(t, b, "Jobs/Jobs_A")
	assert.Equal(t, "fanout", a.Message.UUID)
	assert.Equal(t, `{"n":1}`, string(a.Message.Payload))
	require.NoError(t, a.Complete(ctx))
	assertEmpty(t, b, "Jobs/Jobs_A")

	first := receiveNow(t, b, "Jobs/Jobs_B")
	second := receiveNow(t, b, "Jobs/Jobs_B")
	assert.Equal(t, "fanout", first.Message.UUID)
	assert.Equal(t, "addressed", second.Message.UUID)
	assert.Equal(t, "Jobs_B", transport.To(second.Message))
}

func TestSend_StoresPayloadAsBytes(t *testing.T) {
	b, _, m := newTestBroker(t)
	ctx := context.Background()
	provision(t, b, "Jobs", 5, 0, "Jobs_A")

	payload := []byte{'{', 0x00, 0xff, '}'}
	env := transport.NewEnvelope("binary", payload)
	transport.SetRetriesCount(env, 2)
	require.NoError(t, b.Send(ctx, "Jobs", env))

	keys := m.Keys()
	var stored []string
	for _, k := range keys {
		if strings.HasPrefix(k, b.keys.messagePrefix()) {
			stored = append(stored, k)
		}
	}
	require.Len(t, stored, 1)
	assert.Equal(t, string(payload), m.HGet(stored[0], "payload"))

	d := receiveNow(t, b, "Jobs/Jobs_A")
	assert.Equal(t, payload, []byte(d.Message.Payload))
	assert.Equal(t, 2, transport.RetriesCount(d.Message))
}

func TestScheduledMessageStaysHidden(t *testing.T) {
	b, clock, _ := newTestBroker(t)
	ctx := context.Background()
	provision(t, b, "Jobs", 5, 0, "Jobs_Run")

	msg := transport.NewEnvelope("later", nil)
	transport.SetScheduledEnqueueTime(msg, clock.Now().Add(10*time.Minute))
	require.NoError(t, b.Send(ctx, "Jobs", msg))

	assertEmpty(t, b, "Jobs/Jobs_Run")
	count, err := b.PendingCount(ctx, "Jobs/Jobs_Run")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	clock.Advance(10 * time.Minute)
	d := receiveNow(t, b, "Jobs/Jobs_Run")
	assert.Equal(t, "later", d.Message.UUID)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	b, clock, _ := newTestBroker(t)
	ctx := context.Background()
	provision(t, b, "Jobs", 5, 0, "Jobs_Run")
	require.NoError(t, b.Send(ctx, "Jobs", transport.NewEnvelope("m", nil)))

	first := receiveNow(t, b, "Jobs/Jobs_Run")
	assert.Equal(t, 1, first.DeliveryCount)
	assertEmpty(t, b, "Jobs/Jobs_Run")

	clock.Advance(2 * time.Minute)
	second := receiveNow(t, b, "Jobs/Jobs_Run")
	assert.Equal(t, 2, second.DeliveryCount)

	assert.ErrorIs(t, first.Complete(ctx), transport.ErrLeaseLost)
	require.NoError(t, second.Complete(ctx))
	assert.ErrorIs(t, second.Abandon(ctx), transport.ErrLeaseLost)
}

func TestAbandonDeadLettersAfterMaxDeliveryCount(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()
	provision(t, b, "Jobs", 2, 0, "Jobs_Run")
	require.NoError(t, b.Send(ctx, "Jobs", transport.NewEnvelope("poison", []byte(`{"x":1}`))))

	for attempt := 1; attempt <= 2; attempt++ {
		d := receiveNow(t, b, "Jobs/Jobs_Run")
		assert.Equal(t, attempt, d.DeliveryCount)
		require.NoError(t, d.Abandon(ctx))
	}
	assertEmpty(t, b, "Jobs/Jobs_Run")

	dead := receiveNow(t, b, transport.DeadLetterPath("Jobs", "Jobs_Run"))
	assert.Equal(t, "poison", dead.Message.UUID)
	assert.Equal(t, 1, dead.DeliveryCount)
	require.NoError(t, dead.Complete(ctx))
}

func TestExpiredLeaseAtCeilingIsDeadLettered(t *testing.T) {
	b, clock, _ := newTestBroker(t)
	ctx := context.Background()
	provision(t, b, "Jobs", 1, 0, "Jobs_Run")
	require.NoError(t, b.Send(ctx, "Jobs", transport.NewEnvelope("crashy", nil)))

	_ = receiveNow(t, b, "Jobs/Jobs_Run")
	clock.Advance(2 * time.Minute)
	assertEmpty(t, b, "Jobs/Jobs_Run")

	dead := receiveNow(t, b, transport.DeadLetterPath("Jobs", "Jobs_Run"))
	assert.Equal(t, "crashy", dead.Message.UUID)
}

func TestTimeToLiveDropsMessages(t *testing.T) {
	b, _, m := newTestBroker(t)
	ctx := context.Background()
	provision(t, b, "Jobs", 5, time.Hour, "Jobs_Run")
	require.NoError(t, b.Send(ctx, "Jobs", transport.NewEnvelope("stale", nil)))

	m.FastForward(2 * time.Hour)
	assertEmpty(t, b, "Jobs/Jobs_Run")
}

func TestReceive_UnknownPath(t *testing.T) {
	b, _, _ := newTestBroker(t)

	_, err := b.Receive(context.Background(), "Jobs/Jobs_Run")
	assert.ErrorIs(t, err, transport.ErrUnknownPath)
}

func TestClose_UnblocksReceive(t *testing.T) {
	b, _, _ := newTestBroker(t)
	provision(t, b, "Jobs", 5, 0, "Jobs_Run")

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background(), "Jobs/Jobs_Run")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receive did not return after close")
	}
}
