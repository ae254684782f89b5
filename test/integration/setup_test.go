package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ehr/recordstore/internal/platform/db"
	"github.com/ehr/recordstore/migrations"
)

// globalPool is shared by every test; nil when integration tests are disabled.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	pool, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func startPostgres(ctx context.Context) (*pgxpool.Pool, func(), error) {
	container, err := postgres.Run(ctx,
		"docker.io/postgres:16-alpine",
		postgres.WithDatabase("recordstore_test"),
		postgres.WithUsername("recordstore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start container: %w", err)
	}
	terminate := func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "terminate container: %v\n", err)
		}
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("connection string: %w", err)
	}

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 10})
	if err != nil {
		terminate()
		return nil, nil, err
	}
	return pool, func() {
		pool.Close()
		terminate()
	}, nil
}

// requireDB skips the test unless TEST_INTEGRATION is set.
func requireDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if globalPool == nil {
		t.Skip("integration tests disabled: set TEST_INTEGRATION=1")
	}
	return globalPool
}

// newTenant creates a migrated schema for tenantID and drops it when the
// test ends.
func newTenant(t *testing.T, tenantID string) context.Context {
	t.Helper()
	pool := requireDB(t)
	ctx := context.Background()

	migrator := db.NewMigrator(pool, migrations.FS, ".")
	require.NoError(t, db.CreateTenantSchema(ctx, pool, tenantID, migrator))
	t.Cleanup(func() {
		if _, err := pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", db.SchemaName(tenantID))); err != nil {
			t.Logf("warning: failed to drop schema for %s: %v", tenantID, err)
		}
	})
	return db.WithTenant(ctx, tenantID)
}

// inTenant runs fn on a connection pinned to the tenant recorded in ctx.
func inTenant(t *testing.T, ctx context.Context, fn func(ctx context.Context)) {
	t.Helper()
	scope := db.NewTenantScope(requireDB(t), "")
	require.NoError(t, scope.Run(ctx, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}))
}
