// Package schema caches column metadata of PostgreSQL tables.
//
// Descriptors are introspected lazily on first reference and kept for the
// lifetime of the Cache; schema changes made after a table was first seen are
// not observed. Concurrent misses for the same table are coalesced into a
// single introspection query.
package schema

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	pg "github.com/edgeflare/tableapi/pkg/pgx"
	"github.com/edgeflare/tableapi/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownTable is returned when introspection finds no columns.
var ErrUnknownTable = errors.New("unknown table")

// introspectTimeout bounds a shared introspection, which outlives the
// request that started it.
const introspectTimeout = 15 * time.Second

// DefaultKeyColumn is the row key used when a table has no single-column
// primary key.
const DefaultKeyColumn = "id"

type Table struct {
	Schema      string   `json:"schema"`
	Name        string   `json:"name"`
	Columns     []Column `json:"columns"`
	PrimaryKeys []string `json:"primary_keys"`
}

type Column struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	IsNullable   bool   `json:"is_nullable"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns column names in ordinal order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// KeyColumn returns the column that identifies a row in /{table}/{id} routes.
func (t Table) KeyColumn() string {
	if len(t.PrimaryKeys) == 1 {
		return t.PrimaryKeys[0]
	}
	return DefaultKeyColumn
}

func (t Table) fullName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// Introspector reads a table's columns from the store. An empty result
// means the table does not exist.
type Introspector interface {
	Columns(ctx context.Context, schema, table string) ([]Column, error)
}

// IntrospectorFunc adapts a function to Introspector.
type IntrospectorFunc func(ctx context.Context, schema, table string) ([]Column, error)

func (f IntrospectorFunc) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	return f(ctx, schema, table)
}

type Cache struct {
	introspector Introspector
	logger       *zap.Logger
	tables       map[string]Table // key: schema_name.table_name
	group        singleflight.Group
	mu           sync.RWMutex
}

// NewCache returns an empty cache backed by introspector. A nil logger
// disables logging.
func NewCache(introspector Introspector, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		introspector: introspector,
		logger:       logger,
		tables:       make(map[string]Table),
	}
}

// NewPgCache returns a cache that introspects through conn.
func NewPgCache(conn pg.Conn, logger *zap.Logger) *Cache {
	return NewCache(&PgIntrospector{Conn: conn}, logger)
}

// Ensure returns the descriptor for schema.table, introspecting on a miss.
// Failed lookups, including ErrUnknownTable, are not cached. A caller whose
// ctx ends stops waiting; the shared introspection continues for the others.
func (c *Cache) Ensure(ctx context.Context, schema, table string) (Table, error) {
	key := schema + "." + table

	c.mu.RLock()
	t, ok := c.tables[key]
	c.mu.RUnlock()
	if ok {
		metrics.SchemaCacheLookups.WithLabelValues("hit").Inc()
		return t, nil
	}
	metrics.SchemaCacheLookups.WithLabelValues("miss").Inc()

	ch := c.group.DoChan(key, func() (any, error) {
		// another flight may have stored it since the read above
		c.mu.RLock()
		t, ok := c.tables[key]
		c.mu.RUnlock()
		if ok {
			return t, nil
		}

		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), introspectTimeout)
		defer cancel()

		cols, err := c.introspector.Columns(ictx, schema, table)
		if err != nil {
			return Table{}, fmt.Errorf("introspect %s: %w", key, err)
		}
		if len(cols) == 0 {
			return Table{}, fmt.Errorf("%w: %s", ErrUnknownTable, key)
		}

		t = Table{Schema: schema, Name: table, Columns: cols}
		for _, col := range cols {
			if col.IsPrimaryKey {
				t.PrimaryKeys = append(t.PrimaryKeys, col.Name)
			}
		}

		c.mu.Lock()
		c.tables[t.fullName()] = t
		c.mu.Unlock()

		c.logger.Debug("schema cached", zap.String("table", key), zap.Int("columns", len(cols)))
		return t, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Table{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return Table{}, res.Err
	}
	if res.Shared {
		c.logger.Debug("schema lookup coalesced", zap.String("table", key))
	}
	return res.Val.(Table), nil
}

// Snapshot returns a copy of every cached descriptor.
func (c *Cache) Snapshot() map[string]Table {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string]Table, len(c.tables))
	maps.Copy(snap, c.tables)
	return snap
}

// PgIntrospector reads columns from information_schema.
type PgIntrospector struct {
	Conn pg.Conn
	// MaxRetries bounds retries of the introspection query. Zero uses
	// pg.DefaultMaxRetries.
	MaxRetries uint64
}

const columnsQuery = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES',
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = $1
					AND tc.table_name = $2
					AND kcu.column_name = c.column_name
			) AS is_primary_key
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`

func (p *PgIntrospector) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	retries := p.MaxRetries
	if retries == 0 {
		retries = pg.DefaultMaxRetries
	}

	var cols []Column
	err := pg.Retry(ctx, retries, func() error {
		var err error
		cols, err = queryColumns(ctx, p.Conn, schema, table)
		return err
	})
	return cols, err
}

func queryColumns(ctx context.Context, conn pg.Conn, schema, table string) ([]Column, error) {
	rows, err := conn.Query(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &col.IsPrimaryKey); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}
