package pgx

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/tableapi/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolConfigErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewPool(ctx, PoolConfig{})
	assert.ErrorContains(t, err, "connection string is required")

	_, err = NewPool(ctx, PoolConfig{ConnString: "postgres://%zz"})
	assert.ErrorContains(t, err, "parse config")
}

func TestNewPoolUnreachable(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	_, err := NewPool(ctx, PoolConfig{
		ConnString:     "postgres://nobody@127.0.0.1:1/none?connect_timeout=1",
		ConnectTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "ping")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNewPool(t *testing.T) {
	ctx := context.Background()
	dsn := pgtest.DSN(t)

	pool, err := NewPool(ctx, PoolConfig{ConnString: dsn, MaxConns: 3})
	require.NoError(t, err)
	defer pool.Close()

	assert.EqualValues(t, 3, pool.Config().MaxConns)

	var one int
	require.NoError(t, pool.QueryRow(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
}
