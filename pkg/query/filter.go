package query

import (
	"fmt"
	"strings"
)

// Operator is a filter operator token as it appears in the query string.
type Operator string

const (
	OpContains   Operator = "cs"
	OpStartsWith Operator = "sw"
	OpEndsWith   Operator = "ew"
	OpEqual      Operator = "eq"
	OpLess       Operator = "lt"
	OpLessEq     Operator = "le"
	OpGreaterEq  Operator = "ge"
	OpGreater    Operator = "gt"
	OpBetween    Operator = "bt"
	OpIn         Operator = "in"
	OpIsNull     Operator = "is"
)

// arity bounds per operator. max < 0 means unbounded.
var arity = map[Operator]struct{ min, max int }{
	OpContains:   {1, 1},
	OpStartsWith: {1, 1},
	OpEndsWith:   {1, 1},
	OpEqual:      {1, 1},
	OpLess:       {1, 1},
	OpLessEq:     {1, 1},
	OpGreaterEq:  {1, 1},
	OpGreater:    {1, 1},
	OpBetween:    {2, 2},
	OpIn:         {1, -1},
	OpIsNull:     {0, 0},
}

var comparison = map[Operator]string{
	OpEqual:     "=",
	OpLess:      "<",
	OpLessEq:    "<=",
	OpGreaterEq: ">=",
	OpGreater:   ">",
}

// Filter is a parsed filter expression. Only one filter is supported per
// request; there is no AND/OR composition.
type Filter struct {
	Column   string
	Operator Operator
	Operands []string
}

// ParseFilter parses an expression of the form column,operator[,operand...].
func ParseFilter(expr string) (*Filter, error) {
	parts := strings.Split(expr, ",")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q needs at least a column and an operator", ErrInvalidFilter, expr)
	}

	column := strings.TrimSpace(parts[0])
	if err := ValidIdent(column); err != nil {
		return nil, err
	}

	op := Operator(strings.ToLower(strings.TrimSpace(parts[1])))
	bounds, ok := arity[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperator, parts[1])
	}

	operands := parts[2:]
	if n := len(operands); n < bounds.min || (bounds.max >= 0 && n > bounds.max) {
		return nil, fmt.Errorf("%w: operator %s takes %s, got %d", ErrInvalidFilter, op, arityString(bounds.min, bounds.max), n)
	}

	return &Filter{
		Column:   column,
		Operator: op,
		Operands: operands,
	}, nil
}

func arityString(lo, hi int) string {
	switch {
	case hi < 0:
		return fmt.Sprintf("at least %d operand(s)", lo)
	case lo == hi:
		return fmt.Sprintf("%d operand(s)", lo)
	default:
		return fmt.Sprintf("%d to %d operands", lo, hi)
	}
}

// likeEscaper escapes LIKE metacharacters so operands match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// predicate renders the filter as a WHERE predicate. col must already be
// quoted; placeholders are drawn from next.
func (f *Filter) predicate(col string, next func(any) string) (string, error) {
	switch f.Operator {
	case OpContains:
		return col + " LIKE " + next("%"+likeEscaper.Replace(f.Operands[0])+"%"), nil
	case OpStartsWith:
		return col + " LIKE " + next(likeEscaper.Replace(f.Operands[0])+"%"), nil
	case OpEndsWith:
		return col + " LIKE " + next("%"+likeEscaper.Replace(f.Operands[0])), nil
	case OpEqual, OpLess, OpLessEq, OpGreaterEq, OpGreater:
		return col + " " + comparison[f.Operator] + " " + next(f.Operands[0]), nil
	case OpBetween:
		low := next(f.Operands[0])
		high := next(f.Operands[1])
		return col + " BETWEEN " + low + " AND " + high, nil
	case OpIn:
		placeholders := make([]string, len(f.Operands))
		for i, v := range f.Operands {
			placeholders[i] = next(v)
		}
		return col + " IN (" + strings.Join(placeholders, ", ") + ")", nil
	case OpIsNull:
		return col + " IS NULL", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperator, f.Operator)
}
