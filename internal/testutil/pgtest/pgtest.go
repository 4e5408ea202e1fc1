// Package pgtest provides PostgreSQL connections for integration tests.
//
// The database comes from the TEST_DATABASE connection string when set,
// otherwise from a postgres container shared by every test in the process.
// Tests are skipped when neither is available.
package pgtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// startContainer runs one postgres container for the test process. Ryuk
// removes it when the process exits.
func startContainer() (string, error) {
	containerOnce.Do(func() {
		ctx := context.Background()

		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("tableapi"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = container.Terminate(ctx)
			containerErr = fmt.Errorf("postgres connection string: %w", err)
			return
		}
		containerDSN = dsn
	})
	return containerDSN, containerErr
}

// DSN returns the test database connection string or skips the test.
func DSN(t testing.TB) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	dsn, err := startContainer()
	if err != nil {
		t.Skipf("no test database: set TEST_DATABASE or run docker (%v)", err)
	}
	return dsn
}

// ParseConfig returns a test connection config that logs server notices.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	config, err := pgx.ParseConfig(DSN(t))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}

// Connect opens a single connection closed when the test ends.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Close(ctx))
	})
	return conn
}

// Pool opens a pool closed when the test ends.
func Pool(ctx context.Context, t testing.TB) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, DSN(t))
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	t.Cleanup(pool.Close)
	return pool
}

// Schema creates an empty schema with a random name, dropped with
// everything in it when the test ends.
func Schema(ctx context.Context, t testing.TB, pool *pgxpool.Pool) string {
	b := make([]byte, 6)
	_, err := rand.Read(b)
	require.NoError(t, err)
	name := "test_" + hex.EncodeToString(b)

	_, err = pool.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{name}.Sanitize())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := pool.Exec(ctx, "DROP SCHEMA "+pgx.Identifier{name}.Sanitize()+" CASCADE")
		if err != nil {
			t.Logf("drop schema %s: %v", name, err)
		}
	})
	return name
}
