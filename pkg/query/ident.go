package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxIdentLen is PostgreSQL's NAMEDATALEN-1.
const maxIdentLen = 63

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// reserved holds words that read as literals or operators when they appear
// where an identifier is expected.
var reserved = map[string]struct{}{
	"null": {}, "true": {}, "false": {}, "and": {}, "or": {}, "not": {},
	"like": {}, "ilike": {}, "in": {}, "is": {}, "between": {}, "select": {},
	"from": {}, "where": {}, "union": {}, "all": {}, "any": {}, "some": {},
	"default": {}, "case": {}, "when": {}, "then": {}, "else": {}, "end": {},
}

// ValidIdent reports whether name can be used as a table or column name.
func ValidIdent(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if len(name) > maxIdentLen {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidIdentifier, name, maxIdentLen)
	}
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if _, ok := reserved[strings.ToLower(name)]; ok {
		return fmt.Errorf("%w: %q is a reserved word", ErrInvalidIdentifier, name)
	}
	return nil
}

// Ident validates name and returns it quoted for use in SQL.
func Ident(name string) (string, error) {
	if err := ValidIdent(name); err != nil {
		return "", err
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// QualifiedIdent validates and quotes a schema-qualified name.
func QualifiedIdent(schema, name string) (string, error) {
	if err := ValidIdent(schema); err != nil {
		return "", err
	}
	if err := ValidIdent(name); err != nil {
		return "", err
	}
	return pgx.Identifier{schema, name}.Sanitize(), nil
}
