//go:build integration

package pgstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/store/storetest"
)

// TestPgstore_Contract runs the same black-box suite every other Store
// backend runs, against a real Postgres started in a disposable
// container. Skipped unless built with -tags integration and a Docker
// daemon is reachable.
func TestPgstore_Contract(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("quartznet"),
		postgres.WithUsername("quartznet"),
		postgres.WithPassword("quartznet"),
		testcontainers.WithWaitStrategy(tcwait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.ClearAllSchedulingData(ctx))
		t.Cleanup(func() { s.Close() })
		return s
	})
}
