// Package postgres provides a PostgreSQL-backed broker for jobflow.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver, registered as "pgx"
	_ "github.com/lib/pq"              // lib/pq driver, registered as "postgres"

	"github.com/drblury/jobflow/transport"
	"github.com/drblury/jobflow/transport/sqlbroker"
)

// TransportName is the name used to register this broker.
const TransportName = "postgres"

const (
	// DriverPQ selects github.com/lib/pq.
	DriverPQ = "postgres"
	// DriverPGX selects github.com/jackc/pgx/v5/stdlib.
	DriverPGX = "pgx"
	// DefaultSchema holds the broker tables.
	DefaultSchema = "jobflow"
)

func init() {
	Register()
}

// Register adds the postgres broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build creates a new PostgreSQL broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	b, err := New(ctx, Config{
		ConnectionString: cfg.GetPostgresURL(),
		Driver:           cfg.GetPostgresDriver(),
		SchemaName:       cfg.GetPostgresSchema(),
		PollInterval:     cfg.GetPollInterval(),
		LockDuration:     cfg.GetLockDuration(),
	}, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// Driver is the database/sql driver name: "postgres" or "pgx".
	Driver string
	// SchemaName is the schema to use for tables. Defaults to "jobflow".
	SchemaName string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// LockDuration is how long a received message stays leased.
	LockDuration time.Duration
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverPQ
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchema
	}
	if c.PollInterval <= 0 {
		c.PollInterval = sqlbroker.DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = sqlbroker.DefaultLockDuration
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("PostgreSQL connection string is required")
	}
	switch c.Driver {
	case DriverPQ, DriverPGX:
		return nil
	default:
		return fmt.Errorf("unsupported PostgreSQL driver %q (want %q or %q)", c.Driver, DriverPQ, DriverPGX)
	}
}

// openDB is swapped in tests.
var openDB = sql.Open

// New connects to PostgreSQL and returns a broker that owns the connection pool.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlbroker.Broker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := openDB(cfg.Driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	b, err := sqlbroker.New(ctx, db, sqlbroker.Postgres(cfg.SchemaName), sqlbroker.Config{
		PollInterval: cfg.PollInterval,
		LockDuration: cfg.LockDuration,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}
