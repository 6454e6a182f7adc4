package postgres_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/stratdesk/internal/cache"
	"github.com/coachpo/stratdesk/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/stratdesk/internal/infra/persistence/postgres"
)

var (
	testPool *pgxpool.Pool
	setupErr error
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() || os.Getenv("STRATDESK_SKIP_CONTAINERS") != "" {
		setupErr = fmt.Errorf("container tests disabled")
		os.Exit(m.Run())
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "stratdesk"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
		os.Exit(m.Run())
	}

	setupErr = initialiseDatabase(ctx, container)
	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context, container testcontainers.Container) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/stratdesk?sslmode=disable", host, port.Port())

	deadline := time.Now().Add(30 * time.Second)
	for {
		err = migrations.Apply(ctx, dsn, migrations.Embedded, nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: dsn, MaxConns: 4})
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func requireDatabase(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
}

func TestCacheStoreRoundTrip(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewCacheStore(testPool, 5*time.Second)

	_, err := store.Get(ctx, "strategy_state:pml")
	require.True(t, cache.IsNotFound(err))

	payload := []byte(`{"isRunning":true,"isStopped":false,"timestamp":1700000000000}`)
	require.NoError(t, store.Set(ctx, "strategy_state:pml", payload))
	got, err := store.Get(ctx, "strategy_state:pml")
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(got))

	require.NoError(t, store.Set(ctx, "strategy_state:pml", []byte(`{"isRunning":false}`)))
	got, err = store.Get(ctx, "strategy_state:pml")
	require.NoError(t, err)
	require.JSONEq(t, `{"isRunning":false}`, string(got))

	require.NoError(t, store.Delete(ctx, "strategy_state:pml"))
	_, err = store.Get(ctx, "strategy_state:pml")
	require.True(t, cache.IsNotFound(err))
}

func TestCacheStoreRejectsInvalidPayload(t *testing.T) {
	requireDatabase(t)
	store := pgstore.NewCacheStore(testPool, 0)
	require.Error(t, store.Set(context.Background(), "strategy_state:pml", []byte("not json")))
}

func TestMigrationsRollbackAndReapply(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	dsn := testPool.Config().ConnString()

	require.NoError(t, migrations.Rollback(ctx, dsn, migrations.Embedded, 1, nil))
	_, err := pgstore.NewCacheStore(testPool, 0).Get(ctx, "k")
	require.Error(t, err)
	require.False(t, cache.IsNotFound(err))

	require.NoError(t, migrations.Apply(ctx, dsn, migrations.Embedded, nil))
	require.NoError(t, migrations.Apply(ctx, dsn, migrations.Embedded, nil))
}

func TestNilPoolIsReported(t *testing.T) {
	store := pgstore.NewCacheStore(nil, 0)
	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	require.Error(t, store.Set(context.Background(), "k", []byte("{}")))
	require.Error(t, store.Delete(context.Background(), "k"))
}
