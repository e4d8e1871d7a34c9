//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drblury/jobflow/transport"
)

func setupConnString(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("jobflow_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return connStr
}

func TestPostgresBroker_Integration(t *testing.T) {
	connStr := setupConnString(t)

	for _, driver := range []string{DriverPQ, DriverPGX} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			b, err := New(ctx, Config{
				ConnectionString: connStr,
				Driver:           driver,
				SchemaName:       "jobflow_" + driver,
				PollInterval:     10 * time.Millisecond,
				LockDuration:     time.Minute,
			}, nil)
			require.NoError(t, err)
			defer b.Close()

			require.NoError(t, b.CreateTopic(ctx, "Jobs", transport.TopicOptions{MaxSizeInMegabytes: 1024}))
			require.NoError(t, b.CreateSubscription(ctx, "Jobs", "Jobs_Run", transport.SubscriptionOptions{MaxDeliveryCount: 2}))
			require.NoError(t, b.UpdateRule(ctx, "Jobs", "Jobs_Run", transport.DefaultRule("Jobs_Run")))

			require.NoError(t, b.Send(ctx, "Jobs", transport.NewEnvelope("pg-1", []byte(`{"id":"pg-1"}`))))

			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			for range 2 {
				d, err := b.Receive(rctx, "Jobs/Jobs_Run")
				require.NoError(t, err)
				require.NoError(t, d.Abandon(ctx))
			}

			dead, err := b.Receive(rctx, transport.DeadLetterPath("Jobs", "Jobs_Run"))
			require.NoError(t, err)
			assert.Equal(t, "pg-1", dead.Message.UUID)
			require.NoError(t, dead.Complete(ctx))
		})
	}
}
