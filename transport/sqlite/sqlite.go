// Package sqlite provides a SQLite-backed broker for jobflow.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/jobflow/transport"
	"github.com/drblury/jobflow/transport/sqlbroker"
)

// TransportName is the name used to register this broker.
const TransportName = "sqlite"

// DefaultFilePath is used when no database file is configured.
const DefaultFilePath = "jobflow.db"

func init() {
	Register()
}

// Register adds the sqlite broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	b, err := New(ctx, Config{
		FilePath:     cfg.GetSQLiteFile(),
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
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// LockDuration is how long a received message stays leased.
	LockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = sqlbroker.DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = sqlbroker.DefaultLockDuration
	}
	return c
}

func (c Config) dsn() string {
	if c.FilePath == ":memory:" || strings.HasPrefix(c.FilePath, "file:") {
		return c.FilePath
	}
	return c.FilePath + "?_journal_mode=WAL&_busy_timeout=5000"
}

// New opens the database file and returns a broker that owns it.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlbroker.Broker, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// alive for the lifetime of the broker.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	b, err := sqlbroker.New(ctx, db, sqlbroker.SQLite(), sqlbroker.Config{
		PollInterval: cfg.PollInterval,
		LockDuration: cfg.LockDuration,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}
