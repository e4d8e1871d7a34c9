// Package sqlbroker implements transport.Broker and transport.Provisioner on
// top of database/sql. The sqlite and postgres packages supply the driver and
// the Dialect.
//
// Every subscription owns its own rows in the messages table; a dead-lettered
// row keeps its id and is moved to the subscription's dead-letter path.
package sqlbroker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/jobflow/internal/runtime/ids"
	"github.com/drblury/jobflow/internal/runtime/jsoncodec"
	"github.com/drblury/jobflow/transport"
)

const (
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockDuration is the default lease of a received message.
	DefaultLockDuration = 30 * time.Second

	// ReasonMaxDeliveryCountExceeded is stored on dead-lettered rows.
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
)

// Config holds broker settings shared by all dialects.
type Config struct {
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// LockDuration is how long a received message stays leased.
	LockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	return c
}

// Broker is a polling SQL broker.
type Broker struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter
	now     func() time.Time

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

// New creates the schema if needed and returns a broker that owns db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Broker, error) {
	if db == nil {
		return nil, fmt.Errorf("%s: database is required", dialect.Name)
	}
	if err := dialect.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	b := &Broker{
		db:         db,
		dialect:    dialect,
		config:     cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
		closedChan: make(chan struct{}),
	}

	for _, stmt := range dialect.schemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: failed to initialize schema: %w", dialect.Name, err)
		}
	}
	return b, nil
}

// DB returns the underlying database connection for advanced use cases.
func (b *Broker) DB() *sql.DB {
	return b.db
}

func (b *Broker) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

func (b *Broker) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, b.dialect.rebind(query), args...)
}

func (b *Broker) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, b.dialect.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Broker) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			b.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type subscriptionRow struct {
	name             string
	maxDeliveryCount int
	ttl              time.Duration
	rule             transport.Rule
}

func (b *Broker) subscriptionsOf(ctx context.Context, q execer, topic string) ([]subscriptionRow, error) {
	rows, err := q.QueryContext(ctx, b.dialect.rebind(`
		SELECT name, max_delivery_count, ttl_ns, rule_match_all, rule_include_unaddressed, rule_addressed_to
		FROM {subscriptions}
		WHERE topic = ?
		ORDER BY name
	`), topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of %q: %w", topic, err)
	}
	defer rows.Close()

	var subs []subscriptionRow
	for rows.Next() {
		var (
			s                            subscriptionRow
			ttl                          int64
			matchAll, includeUnaddressed int
		)
		if err := rows.Scan(&s.name, &s.maxDeliveryCount, &ttl, &matchAll, &includeUnaddressed, &s.rule.AddressedTo); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		s.ttl = time.Duration(ttl)
		s.rule.MatchAll = matchAll != 0
		s.rule.IncludeUnaddressed = includeUnaddressed != 0
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// Send stores one row per subscription of topic whose rule accepts msg.
func (b *Broker) Send(ctx context.Context, topic string, msg *message.Message) error {
	if b.isClosed() {
		return transport.ErrClosed
	}

	metadata, err := jsoncodec.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	payload := []byte(msg.Payload)
	if payload == nil {
		payload = []byte{}
	}

	now := b.now().UTC()
	availableAt := transport.AvailableAt(msg, now)
	to := transport.To(msg)

	return b.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := b.topicExists(ctx, tx, topic)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %q", transport.ErrUnknownTopic, topic)
		}

		subs, err := b.subscriptionsOf(ctx, tx, topic)
		if err != nil {
			return err
		}

		for _, sub := range subs {
			if !sub.rule.Accepts(to) {
				continue
			}
			var expiresAt int64
			if sub.ttl > 0 {
				expiresAt = availableAt.Add(sub.ttl).UnixNano()
			}
			_, err := b.exec(ctx, tx, `
				INSERT INTO {messages} (path, uuid, payload, metadata, enqueued_at, available_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, transport.SubscriptionPath(topic, sub.name), msg.UUID, payload, string(metadata),
				now.UnixNano(), availableAt.UnixNano(), expiresAt)
			if err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}
		return nil
	})
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

	maxDeliveryCount, err := b.maxDeliveryCount(ctx, p)
	if err != nil {
		return nil, err
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

func (b *Broker) maxDeliveryCount(ctx context.Context, p transport.Path) (int, error) {
	var maxDeliveryCount int
	err := b.queryRow(ctx, b.db, `
		SELECT max_delivery_count FROM {subscriptions} WHERE topic = ? AND name = ?
	`, p.Topic, p.Subscription).Scan(&maxDeliveryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", transport.ErrUnknownPath, p.String())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load subscription %q: %w", p.String(), err)
	}
	if p.DeadLetter {
		return 0, nil
	}
	return maxDeliveryCount, nil
}

func (b *Broker) sweep(ctx context.Context, tx *sql.Tx, p transport.Path, maxDeliveryCount int, now int64) error {
	if _, err := b.exec(ctx, tx, `
		DELETE FROM {messages}
		WHERE path = ? AND expires_at > 0 AND expires_at <= ? AND locked_until <= ?
	`, p.String(), now, now); err != nil {
		return fmt.Errorf("failed to drop expired messages: %w", err)
	}

	if maxDeliveryCount <= 0 {
		return nil
	}
	if _, err := b.exec(ctx, tx, `
		UPDATE {messages}
		SET path = ?, locked_until = 0, lock_token = '', delivery_count = 0, expires_at = 0, reason = ?
		WHERE path = ? AND locked_until > 0 AND locked_until <= ? AND delivery_count >= ?
	`, p.DeadLetterPath().String(), ReasonMaxDeliveryCountExceeded, p.String(), now, maxDeliveryCount); err != nil {
		return fmt.Errorf("failed to dead-letter expired leases: %w", err)
	}
	return nil
}

func (b *Broker) claim(ctx context.Context, p transport.Path, maxDeliveryCount int) (*transport.Delivery, error) {
	var delivery *transport.Delivery

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		now := b.now().UTC()
		nowNanos := now.UnixNano()

		if !p.DeadLetter {
			if err := b.sweep(ctx, tx, p, maxDeliveryCount, nowNanos); err != nil {
				return err
			}
		}

		query := `
			SELECT id, uuid, payload, metadata, delivery_count
			FROM {messages}
			WHERE path = ? AND available_at <= ? AND locked_until <= ?
			ORDER BY available_at ASC, id ASC
			LIMIT 1`
		if b.dialect.SkipLocked {
			query += " FOR UPDATE SKIP LOCKED"
		}

		var (
			id            int64
			uuid          string
			payload       []byte
			rawMetadata   string
			deliveryCount int
		)
		err := b.queryRow(ctx, tx, query, p.String(), nowNanos, nowNanos).
			Scan(&id, &uuid, &payload, &rawMetadata, &deliveryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select message: %w", err)
		}

		token := ids.CreateULID()
		lockedUntil := now.Add(b.config.LockDuration)
		deliveryCount++

		if _, err := b.exec(ctx, tx, `
			UPDATE {messages} SET locked_until = ?, lock_token = ?, delivery_count = ? WHERE id = ?
		`, lockedUntil.UnixNano(), token, deliveryCount, id); err != nil {
			return fmt.Errorf("failed to lock message: %w", err)
		}

		metadata := make(message.Metadata)
		if rawMetadata != "" {
			if err := jsoncodec.Unmarshal([]byte(rawMetadata), &metadata); err != nil {
				b.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"uuid": uuid})
			}
		}
		msg := message.NewMessage(uuid, payload)
		msg.Metadata = metadata

		delivery = transport.NewDelivery(msg, p.String(), deliveryCount, lockedUntil, &lease{
			broker:           b,
			id:               id,
			token:            token,
			path:             p,
			maxDeliveryCount: maxDeliveryCount,
		})
		return nil
	})
	return delivery, err
}

// lease settles one claimed row. The token guards against settling a row
// whose lease expired and was claimed again.
type lease struct {
	broker           *Broker
	id               int64
	token            string
	path             transport.Path
	maxDeliveryCount int
}

func (l *lease) Complete(ctx context.Context) error {
	res, err := l.broker.exec(ctx, l.broker.db, `
		DELETE FROM {messages} WHERE id = ? AND lock_token = ?
	`, l.id, l.token)
	if err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return transport.ErrLeaseLost
	}
	return nil
}

func (l *lease) Abandon(ctx context.Context) error {
	b := l.broker
	return b.withTx(ctx, func(tx *sql.Tx) error {
		var deliveryCount int
		err := b.queryRow(ctx, tx, `
			SELECT delivery_count FROM {messages} WHERE id = ? AND lock_token = ?
		`, l.id, l.token).Scan(&deliveryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return transport.ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("failed to load message: %w", err)
		}

		if l.maxDeliveryCount > 0 && deliveryCount >= l.maxDeliveryCount {
			_, err = b.exec(ctx, tx, `
				UPDATE {messages}
				SET path = ?, locked_until = 0, lock_token = '', delivery_count = 0, expires_at = 0, reason = ?
				WHERE id = ?
			`, l.path.DeadLetterPath().String(), ReasonMaxDeliveryCountExceeded, l.id)
			if err != nil {
				return fmt.Errorf("failed to dead-letter message: %w", err)
			}
			return nil
		}

		if _, err := b.exec(ctx, tx, `
			UPDATE {messages} SET locked_until = 0, lock_token = '' WHERE id = ?
		`, l.id); err != nil {
			return fmt.Errorf("failed to abandon message: %w", err)
		}
		return nil
	})
}

// PendingCount returns the number of rows on path, leased ones included.
func (b *Broker) PendingCount(ctx context.Context, path string) (int64, error) {
	var count int64
	err := b.queryRow(ctx, b.db, `SELECT COUNT(*) FROM {messages} WHERE path = ?`, path).Scan(&count)
	return count, err
}

// Close stops pending receives and closes the database.
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

	return b.db.Close()
}
