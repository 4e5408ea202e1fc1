package query

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/edgeflare/tableapi/pkg/pgx/schema"
)

// Statement is a compiled SQL statement with its bound values.
type Statement struct {
	SQL  string
	Args []any
}

// builder hands out $n placeholders in order.
type builder struct {
	table schema.Table
	args  []any
}

func (b *builder) placeholder(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *builder) from() (string, error) {
	return QualifiedIdent(b.table.Schema, b.table.Name)
}

// column validates name against the table descriptor and returns it quoted.
func (b *builder) column(name string) (string, error) {
	quoted, err := Ident(name)
	if err != nil {
		return "", err
	}
	if _, ok := b.table.Column(name); !ok {
		return "", fmt.Errorf("%w: %q in %s", ErrUnknownColumn, name, b.table.Name)
	}
	return quoted, nil
}

func (b *builder) projection(spec Spec) (string, error) {
	if len(spec.Include) > 0 && len(spec.Exclude) > 0 {
		return "", fmt.Errorf("%w: include and exclude are mutually exclusive", ErrInvalidProjection)
	}

	var names []string
	switch {
	case len(spec.Include) > 0:
		names = spec.Include
	case len(spec.Exclude) > 0:
		for _, name := range spec.Exclude {
			if _, err := b.column(name); err != nil {
				return "", err
			}
		}
		for _, name := range b.table.ColumnNames() {
			if !slices.Contains(spec.Exclude, name) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return "", fmt.Errorf("%w: every column is excluded", ErrInvalidProjection)
		}
	default:
		return "*", nil
	}

	cols := make([]string, 0, len(names))
	for _, name := range names {
		col, err := b.column(name)
		if err != nil {
			return "", err
		}
		cols = append(cols, col)
	}
	return strings.Join(cols, ", "), nil
}

func (b *builder) where(f *Filter) (string, error) {
	if f == nil {
		return "", nil
	}
	col, err := b.column(f.Column)
	if err != nil {
		return "", err
	}
	pred, err := f.predicate(col, b.placeholder)
	if err != nil {
		return "", err
	}
	return " WHERE " + pred, nil
}

func (b *builder) keyEquals(id string) (string, error) {
	key, err := b.column(b.table.KeyColumn())
	if err != nil {
		return "", err
	}
	return " WHERE " + key + " = " + b.placeholder(id), nil
}

// Select compiles a list query.
func Select(table schema.Table, spec Spec) (Statement, error) {
	b := &builder{table: table}

	cols, err := b.projection(spec)
	if err != nil {
		return Statement{}, err
	}
	from, err := b.from()
	if err != nil {
		return Statement{}, err
	}
	where, err := b.where(spec.Filter)
	if err != nil {
		return Statement{}, err
	}

	var query strings.Builder
	query.WriteString("SELECT " + cols + " FROM " + from + where)

	if spec.Order != nil {
		col, err := b.column(spec.Order.Column)
		if err != nil {
			return Statement{}, err
		}
		switch spec.Order.Direction {
		case Asc, Desc:
		default:
			return Statement{}, fmt.Errorf("%w: direction %q", ErrInvalidOrder, spec.Order.Direction)
		}
		query.WriteString(" ORDER BY " + col + " " + string(spec.Order.Direction))
	}

	if spec.Page > 0 && spec.Limit <= 0 {
		return Statement{}, fmt.Errorf("%w: page requires limit", ErrInvalidPagination)
	}
	if spec.Limit < 0 || spec.Page < 0 {
		return Statement{}, fmt.Errorf("%w: limit and page must be positive", ErrInvalidPagination)
	}
	if spec.Limit > 0 {
		query.WriteString(" LIMIT " + b.placeholder(spec.Limit))
	}
	if spec.Page > 0 {
		query.WriteString(" OFFSET " + b.placeholder(spec.Offset()))
	}

	return Statement{SQL: query.String(), Args: b.args}, nil
}

// Count compiles SELECT count(*) with the same filter as Select.
func Count(table schema.Table, spec Spec) (Statement, error) {
	b := &builder{table: table}
	from, err := b.from()
	if err != nil {
		return Statement{}, err
	}
	where, err := b.where(spec.Filter)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "SELECT count(*) FROM " + from + where, Args: b.args}, nil
}

// Get compiles a fetch of one row by key. Include and Exclude apply;
// filter, order and pagination are ignored.
func Get(table schema.Table, spec Spec, id string) (Statement, error) {
	b := &builder{table: table}
	cols, err := b.projection(spec)
	if err != nil {
		return Statement{}, err
	}
	from, err := b.from()
	if err != nil {
		return Statement{}, err
	}
	where, err := b.keyEquals(id)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "SELECT " + cols + " FROM " + from + where, Args: b.args}, nil
}

// Insert compiles an INSERT of body's columns, returning the new row.
func Insert(table schema.Table, body map[string]any) (Statement, error) {
	if len(body) == 0 {
		return Statement{}, ErrEmptyPayload
	}
	b := &builder{table: table}
	from, err := b.from()
	if err != nil {
		return Statement{}, err
	}

	keys := slices.Sorted(maps.Keys(body))
	cols := make([]string, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	for _, key := range keys {
		col, err := b.column(key)
		if err != nil {
			return Statement{}, err
		}
		cols = append(cols, col)
		placeholders = append(placeholders, b.placeholder(body[key]))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		from, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return Statement{SQL: sql, Args: b.args}, nil
}

// Update compiles an UPDATE of the row with key id, returning the updated row.
func Update(table schema.Table, id string, body map[string]any) (Statement, error) {
	if len(body) == 0 {
		return Statement{}, ErrEmptyPayload
	}
	b := &builder{table: table}
	from, err := b.from()
	if err != nil {
		return Statement{}, err
	}

	keys := slices.Sorted(maps.Keys(body))
	sets := make([]string, 0, len(keys))
	for _, key := range keys {
		col, err := b.column(key)
		if err != nil {
			return Statement{}, err
		}
		sets = append(sets, col+" = "+b.placeholder(body[key]))
	}

	where, err := b.keyEquals(id)
	if err != nil {
		return Statement{}, err
	}
	sql := "UPDATE " + from + " SET " + strings.Join(sets, ", ") + where + " RETURNING *"
	return Statement{SQL: sql, Args: b.args}, nil
}

// Delete compiles a DELETE of the row with key id, returning the deleted row.
func Delete(table schema.Table, id string) (Statement, error) {
	b := &builder{table: table}
	from, err := b.from()
	if err != nil {
		return Statement{}, err
	}
	where, err := b.keyEquals(id)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "DELETE FROM " + from + where + " RETURNING *", Args: b.args}, nil
}
