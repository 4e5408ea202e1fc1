// Package auth maps opaque bearer tokens to per-table read/write permissions.
//
// A Store owns token records. The Guard keeps a time-bounded snapshot of the
// store and decides, per request, whether the presented token may read or
// write the addressed table.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Permission grants one action on one resource, usually a table name.
// Its text form is "action:resource", e.g. "read:users".
type Permission struct {
	Action   Action
	Resource string
}

var ErrInvalidPermission = errors.New("invalid permission")

func (p Permission) String() string {
	return string(p.Action) + ":" + p.Resource
}

func ParsePermission(s string) (Permission, error) {
	action, resource, found := strings.Cut(s, ":")
	if !found || resource == "" {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	switch Action(action) {
	case ActionRead, ActionWrite:
		return Permission{Action: Action(action), Resource: resource}, nil
	}
	return Permission{}, fmt.Errorf("%w: unknown action %q", ErrInvalidPermission, action)
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(b []byte) error {
	parsed, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ActionFor returns the action an HTTP method needs: read for safe methods,
// write for everything else.
func ActionFor(method string) Action {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	default:
		return ActionWrite
	}
}

// Record is what a token resolves to.
type Record struct {
	User        string       `json:"user"`
	Permissions []Permission `json:"permissions"`
}

// Allows reports whether the record grants action on resource.
func (r Record) Allows(action Action, resource string) bool {
	return slices.Contains(r.Permissions, Permission{Action: action, Resource: resource})
}

// NewRecord builds the record for a token granting read and/or write on table.
func NewRecord(user, table string, read, write bool) Record {
	rec := Record{User: user, Permissions: []Permission{}}
	if read {
		rec.Permissions = append(rec.Permissions, Permission{Action: ActionRead, Resource: table})
	}
	if write {
		rec.Permissions = append(rec.Permissions, Permission{Action: ActionWrite, Resource: table})
	}
	return rec
}
