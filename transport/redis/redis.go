// Package redis provides a Redis-backed broker for jobflow.
//
// Each subscription path owns a ready List, a delayed Sorted Set promoted when
// due, and a leased Sorted Set scored by lease expiry. Message copies are
// Hashes; a subscription's time-to-live is enforced with PEXPIREAT.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/jobflow/internal/runtime/ids"
	"github.com/drblury/jobflow/internal/runtime/jsoncodec"
	"github.com/drblury/jobflow/transport"
)

// TransportName is the name used to register this broker.
const TransportName = "redis"

const (
	// DefaultKeyPrefix namespaces every key.
	DefaultKeyPrefix = "jobflow"
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockDuration is the default lease of a received message.
	DefaultLockDuration = 30 * time.Second
)

func init() {
	Register()
}

// Register adds the redis broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a new Redis broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	b, err := New(ctx, Config{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.GetRedisPassword(),
		DB:           cfg.GetRedisDB(),
		KeyPrefix:    cfg.GetRedisKeyPrefix(),
		PollInterval: cfg.GetPollInterval(),
		LockDuration: cfg.GetLockDuration(),
	}, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Config holds Redis-specific configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// LockDuration is how long a received message stays leased.
	LockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	return c
}

type subscriptionRecord struct {
	MaxDeliveryCount int            `json:"maxDeliveryCount"`
	TimeToLive       time.Duration  `json:"ttl"`
	Rule             transport.Rule `json:"rule"`
}

// Broker implements transport.Broker and transport.Provisioner on Redis.
type Broker struct {
	client     *goredis.Client
	ownsClient bool
	config     Config
	keys       keys
	logger     watermill.LoggerAdapter
	now        func() time.Time

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

var (
	_ transport.Broker            = (*Broker)(nil)
	_ transport.Provisioner       = (*Broker)(nil)
	_ transport.QueueIntrospector = (*Broker)(nil)
)

// New connects to Redis and returns a broker that owns the client.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Broker, error) {
	cfg = cfg.withDefaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	b := NewWithClient(client, cfg, logger)
	b.ownsClient = true
	return b, nil
}

// NewWithClient returns a broker on an existing client. The caller keeps
// ownership of client.
func NewWithClient(client *goredis.Client, cfg Config, logger watermill.LoggerAdapter) *Broker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		client:     client,
		config:     cfg,
		keys:       keys{prefix: cfg.KeyPrefix},
		logger:     logger,
		now:        time.Now,
		closedChan: make(chan struct{}),
	}
}

// Client returns the underlying Redis client.
func (b *Broker) Client() *goredis.Client {
	return b.client
}

func (b *Broker) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

func (b *Broker) subscription(ctx context.Context, topic, subscription string) (subscriptionRecord, bool, error) {
	raw, err := b.client.HGet(ctx, b.keys.subscriptions(topic), subscription).Result()
	if errors.Is(err, goredis.Nil) {
		return subscriptionRecord{}, false, nil
	}
	if err != nil {
		return subscriptionRecord{}, false, fmt.Errorf("failed to load subscription %q: %w", subscription, err)
	}
	var rec subscriptionRecord
	if err := jsoncodec.Unmarshal([]byte(raw), &rec); err != nil {
		return subscriptionRecord{}, false, fmt.Errorf("failed to decode subscription %q: %w", subscription, err)
	}
	return rec, true, nil
}

// Send stores one copy per subscription of topic whose rule accepts msg.
func (b *Broker) Send(ctx context.Context, topic string, msg *message.Message) error {
	if b.isClosed() {
		return transport.ErrClosed
	}

	exists, err := b.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", transport.ErrUnknownTopic, topic)
	}

	records, err := b.client.HGetAll(ctx, b.keys.subscriptions(topic)).Result()
	if err != nil {
		return fmt.Errorf("failed to list subscriptions of %q: %w", topic, err)
	}

	metadata, err := jsoncodec.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := b.now().UTC()
	availableAt := transport.AvailableAt(msg, now)
	to := transport.To(msg)

	pipe := b.client.TxPipeline()
	for name, raw := range records {
		var rec subscriptionRecord
		if err := jsoncodec.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("failed to decode subscription %q: %w", name, err)
		}
		if !rec.Rule.Accepts(to) {
			continue
		}

		path := transport.SubscriptionPath(topic, name)
		id := ids.CreateULID()
		key := b.keys.message(id)

		pipe.HSet(ctx, key,
			"uuid", msg.UUID,
			"payload", []byte(msg.Payload),
			"metadata", string(metadata),
			"path", path,
			"delivery_count", 0,
			"token", "",
		)
		if rec.TimeToLive > 0 {
			pipe.PExpireAt(ctx, key, availableAt.Add(rec.TimeToLive))
		}
		if availableAt.After(now) {
			pipe.ZAdd(ctx, b.keys.delayed(path), goredis.Z{Score: float64(availableAt.UnixMilli()), Member: id})
		} else {
			pipe.LPush(ctx, b.keys.ready(path), id)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// Receive polls path until a message is available.
func (b *Broker) Receive(ctx context.Context, path string) (*transport.Delivery, error) {
	b.closedMu.RLock()
	if b.closed {
		b.closedMu.RUnlock()
		return nil, transport.ErrClosed
	}
	b.wg.Add(1)
	b.closedMu.RUnlock()
	defer b.wg.Done()

	p, err := transport.ParsePath(path)
	if err != nil {
		return nil, err
	}

	rec, ok, err := b.subscription(ctx, p.Topic, p.Subscription)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnknownPath, path)
	}
	maxDeliveryCount := rec.MaxDeliveryCount
	if p.DeadLetter {
		maxDeliveryCount = 0
	}

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		d, err := b.claim(ctx, p, maxDeliveryCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closedChan:
			return nil, transport.ErrClosed
		case <-ticker.C:
		}
	}
}

func (b *Broker) claim(ctx context.Context, p transport.Path, maxDeliveryCount int) (*transport.Delivery, error) {
	path := p.String()
	deadPath := p.DeadLetterPath().String()
	now := b.now().UTC()
	lockedUntil := now.Add(b.config.LockDuration)
	token := ids.CreateULID()

	res, err := claimScript.Run(ctx, b.client,
		[]string{b.keys.ready(path), b.keys.delayed(path), b.keys.leased(path), b.keys.ready(deadPath)},
		now.UnixMilli(), lockedUntil.UnixMilli(), token, maxDeliveryCount, b.keys.messagePrefix(), deadPath,
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim message on %q: %w", path, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected claim result %v", res)
	}

	id, _ := res[0].(string)
	deliveryCount, _ := res[1].(int64)

	fields, err := b.client.HGetAll(ctx, b.keys.message(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	if len(fields) == 0 {
		// Expired between claim and load.
		b.client.ZRem(ctx, b.keys.leased(path), id)
		return nil, nil
	}

	metadata := make(message.Metadata)
	if raw := fields["metadata"]; raw != "" {
		if err := jsoncodec.Unmarshal([]byte(raw), &metadata); err != nil {
			b.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"uuid": fields["uuid"]})
		}
	}
	msg := message.NewMessage(fields["uuid"], []byte(fields["payload"]))
	msg.Metadata = metadata

	return transport.NewDelivery(msg, path, int(deliveryCount), lockedUntil, &lease{
		broker:           b,
		id:               id,
		token:            token,
		path:             p,
		maxDeliveryCount: maxDeliveryCount,
	}), nil
}

type lease struct {
	broker           *Broker
	id               string
	token            string
	path             transport.Path
	maxDeliveryCount int
}

func (l *lease) Complete(ctx context.Context) error {
	k := l.broker.keys
	n, err := completeScript.Run(ctx, l.broker.client,
		[]string{k.leased(l.path.String()), k.message(l.id)},
		l.id, l.token,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	if n == 0 {
		return transport.ErrLeaseLost
	}
	return nil
}

func (l *lease) Abandon(ctx context.Context) error {
	k := l.broker.keys
	path := l.path.String()
	deadPath := l.path.DeadLetterPath().String()
	n, err := abandonScript.Run(ctx, l.broker.client,
		[]string{k.leased(path), k.message(l.id), k.ready(path), k.ready(deadPath)},
		l.id, l.token, strconv.Itoa(l.maxDeliveryCount), deadPath,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to abandon message: %w", err)
	}
	if n == 0 {
		return transport.ErrLeaseLost
	}
	return nil
}

// PendingCount returns the number of ready, scheduled and leased ids on path.
// Ids of copies dropped by their time-to-live are counted until the next receive.
func (b *Broker) PendingCount(ctx context.Context, path string) (int64, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, b.keys.ready(path))
	delayed := pipe.ZCard(ctx, b.keys.delayed(path))
	leased := pipe.ZCard(ctx, b.keys.leased(path))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + delayed.Val() + leased.Val(), nil
}

// Close stops pending receives and closes the client if the broker owns it.
func (b *Broker) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closedChan)
	b.closedMu.Unlock()

	b.wg.Wait()

	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
