//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"smsmaster/pkg/logx"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("smsmaster"),
		postgres.WithUsername("sms"),
		postgres.WithPassword("sms"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := OpenPostgres(ctx, Config{DSN: dsn}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	// Migrations are idempotent.
	require.NoError(t, migratePostgres(dsn))

	runStoreSuite(t, func(t *testing.T) Store {
		_, err := st.pool.Exec(ctx, `TRUNCATE attempts, messages`)
		require.NoError(t, err)
		return st
	})
}
