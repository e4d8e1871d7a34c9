package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/jobflow/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "postgres", caps.Name)
	assert.True(t, caps.SupportsDelay)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.False(t, caps.SupportsTracing)

	capsAlias := transport.GetCapabilities("postgresql")
	assert.Equal(t, "postgres", capsAlias.Name)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.PostgresCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DriverPQ, result.Driver)
		assert.Equal(t, DefaultSchema, result.SchemaName)
		assert.Positive(t, result.PollInterval)
		assert.Positive(t, result.LockDuration)
		assert.Equal(t, 10, result.MaxOpenConns)
		assert.Equal(t, 5, result.MaxIdleConns)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			ConnectionString: "postgres://localhost:5432/test",
			Driver:           DriverPGX,
			SchemaName:       "custom",
			PollInterval:     time.Second,
			LockDuration:     time.Minute,
			MaxOpenConns:     3,
			MaxIdleConns:     1,
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})
}

func TestConfig_validate(t *testing.T) {
	assert.Error(t, Config{Driver: DriverPQ}.validate())
	assert.Error(t, Config{ConnectionString: "postgres://x", Driver: "mysql"}.validate())
	assert.NoError(t, Config{ConnectionString: "postgres://x", Driver: DriverPGX}.validate())
}

func TestNew_OpenError(t *testing.T) {
	original := openDB
	t.Cleanup(func() { openDB = original })

	var gotDriver string
	openDB = func(driver, dsn string) (*sql.DB, error) {
		gotDriver = driver
		return nil, errors.New("boom")
	}

	_, err := New(context.Background(), Config{ConnectionString: "postgres://x", Driver: DriverPGX}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, DriverPGX, gotDriver)
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string is required")
}
