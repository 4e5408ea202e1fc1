package query

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// Order is a single ORDER BY term.
type Order struct {
	Column    string
	Direction Direction
}

// Spec is the structured form of a list/fetch request. Include and Exclude
// are mutually exclusive; when both are empty every column is projected.
type Spec struct {
	Include []string
	Exclude []string
	Filter  *Filter
	Order   *Order
	Limit   int // 0 means no limit
	Page    int // 1-indexed, 0 means unset
}

// Offset returns (Page-1)*Limit, or 0 unless both Page and Limit are set.
func (s Spec) Offset() int {
	if s.Page <= 0 || s.Limit <= 0 {
		return 0
	}
	return (s.Page - 1) * s.Limit
}

// ParseSpec builds a Spec from the filter, include, exclude, order, limit and
// page query parameters. Unrecognised parameters are ignored. It needs no
// table descriptor; whether named columns exist is checked at compile time.
func ParseSpec(values url.Values) (Spec, error) {
	var spec Spec

	if expr := values.Get("filter"); expr != "" {
		f, err := ParseFilter(expr)
		if err != nil {
			return spec, err
		}
		spec.Filter = f
	}

	spec.Include = splitList(values.Get("include"))
	spec.Exclude = splitList(values.Get("exclude"))
	if len(spec.Include) > 0 && len(spec.Exclude) > 0 {
		return spec, fmt.Errorf("%w: include and exclude are mutually exclusive", ErrInvalidProjection)
	}
	for _, name := range slices.Concat(spec.Include, spec.Exclude) {
		if err := ValidIdent(name); err != nil {
			return spec, err
		}
	}

	if order := values.Get("order"); order != "" {
		o, err := ParseOrder(order)
		if err != nil {
			return spec, err
		}
		spec.Order = o
	}

	var err error
	if spec.Limit, err = positiveInt("limit", values.Get("limit")); err != nil {
		return spec, err
	}
	if spec.Page, err = positiveInt("page", values.Get("page")); err != nil {
		return spec, err
	}
	if spec.Page > 0 && spec.Limit == 0 {
		return spec, fmt.Errorf("%w: page requires limit", ErrInvalidPagination)
	}

	return spec, nil
}

// ParseOrder parses "column,direction". The direction is mandatory.
func ParseOrder(order string) (*Order, error) {
	column, direction, found := strings.Cut(order, ",")
	if !found {
		return nil, fmt.Errorf("%w: %q needs column,direction", ErrInvalidOrder, order)
	}
	column = strings.TrimSpace(column)
	if err := ValidIdent(column); err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "asc":
		return &Order{Column: column, Direction: Asc}, nil
	case "desc":
		return &Order{Column: column, Direction: Desc}, nil
	}
	return nil, fmt.Errorf("%w: direction %q must be asc or desc", ErrInvalidOrder, direction)
}

func positiveInt(name, value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidPagination, name, value)
	}
	return n, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
