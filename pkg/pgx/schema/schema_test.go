package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeflare/tableapi/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingIntrospector struct {
	calls   atomic.Int32
	columns map[string][]Column
	err     error
	delay   time.Duration
}

func (c *countingIntrospector) Columns(_ context.Context, schema, table string) ([]Column, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	if c.err != nil {
		return nil, c.err
	}
	return c.columns[schema+"."+table], nil
}

func usersIntrospector() *countingIntrospector {
	return &countingIntrospector{columns: map[string][]Column{
		"public.users": {
			{Name: "id", DataType: "integer", IsPrimaryKey: true},
			{Name: "name", DataType: "text", IsNullable: true},
		},
	}}
}

func TestEnsureCachesHits(t *testing.T) {
	ctx := context.Background()
	in := usersIntrospector()
	cache := NewCache(in, nil)

	table, err := cache.Ensure(ctx, "public", "users")
	require.NoError(t, err)
	assert.Equal(t, "users", table.Name)
	assert.Equal(t, []string{"id"}, table.PrimaryKeys)
	assert.Equal(t, []string{"id", "name"}, table.ColumnNames())

	again, err := cache.Ensure(ctx, "public", "users")
	require.NoError(t, err)
	assert.Equal(t, table, again)
	assert.EqualValues(t, 1, in.calls.Load(), "hit performs no I/O")

	assert.Contains(t, cache.Snapshot(), "public.users")
}

func TestEnsureUnknownTableIsNotCached(t *testing.T) {
	ctx := context.Background()
	in := usersIntrospector()
	cache := NewCache(in, nil)

	_, err := cache.Ensure(ctx, "public", "ghosts")
	assert.ErrorIs(t, err, ErrUnknownTable)
	_, err = cache.Ensure(ctx, "public", "ghosts")
	assert.ErrorIs(t, err, ErrUnknownTable)
	assert.EqualValues(t, 2, in.calls.Load())

	// a table created later is found
	in.columns["public.ghosts"] = []Column{{Name: "id"}}
	_, err = cache.Ensure(ctx, "public", "ghosts")
	assert.NoError(t, err)
}

func TestEnsureFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	in := usersIntrospector()
	in.err = errors.New("connection reset")
	cache := NewCache(in, nil)

	_, err := cache.Ensure(ctx, "public", "users")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownTable)

	in.err = nil
	_, err = cache.Ensure(ctx, "public", "users")
	assert.NoError(t, err)
}

func TestEnsureCoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	in := usersIntrospector()
	in.delay = 50 * time.Millisecond
	cache := NewCache(in, nil)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Ensure(ctx, "public", "users")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, in.calls.Load())
}

func TestEnsureSurvivesCallerCancel(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	cache := NewCache(IntrospectorFunc(func(ctx context.Context, _, _ string) ([]Column, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []Column{{Name: "id", DataType: "integer", IsPrimaryKey: true}}, nil
	}), nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Ensure(firstCtx, "public", "users")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := cache.Ensure(context.Background(), "public", "users")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared introspection")
	}

	close(release)
	select {
	case err := <-second:
		assert.NoError(t, err, "other callers get the shared result")
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.Contains(t, cache.Snapshot(), "public.users")
}

func TestKeyColumn(t *testing.T) {
	assert.Equal(t, "uid", Table{PrimaryKeys: []string{"uid"}}.KeyColumn())
	assert.Equal(t, DefaultKeyColumn, Table{}.KeyColumn())
	assert.Equal(t, DefaultKeyColumn, Table{PrimaryKeys: []string{"a", "b"}}.KeyColumn())
}

func TestPgIntrospector(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)
	schemaName := pgtest.Schema(ctx, t, pool)

	_, err := pool.Exec(ctx, `CREATE TABLE `+schemaName+`.accounts (
		uid   uuid PRIMARY KEY,
		email text NOT NULL,
		note  text
	)`)
	require.NoError(t, err)

	cache := NewPgCache(pool, nil)
	table, err := cache.Ensure(ctx, schemaName, "accounts")
	require.NoError(t, err)

	assert.Equal(t, []string{"uid", "email", "note"}, table.ColumnNames())
	assert.Equal(t, []string{"uid"}, table.PrimaryKeys)
	assert.Equal(t, "uid", table.KeyColumn())

	email, ok := table.Column("email")
	require.True(t, ok)
	assert.False(t, email.IsNullable)
	assert.Equal(t, "text", email.DataType)

	_, err = cache.Ensure(ctx, schemaName, "missing")
	assert.ErrorIs(t, err, ErrUnknownTable)
}
