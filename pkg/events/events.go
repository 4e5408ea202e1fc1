// Package events publishes row changes made through the API.
//
// Publishing is best effort: a failed publish is logged and counted but
// never fails the request that caused it.
package events

import (
	"context"
	"time"
)

// Operation is the kind of row change.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Event describes one row change. Row is the row as returned by the store
// after the change (before it, for deletes).
type Event struct {
	Schema string         `json:"schema"`
	Table  string         `json:"table"`
	Op     Operation      `json:"op"`
	Row    map[string]any `json:"row"`
	TsMs   int64          `json:"ts_ms"`
	// RequestID correlates the event with the API request log entry.
	RequestID string `json:"request_id,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(schema, table string, op Operation, row map[string]any) Event {
	return Event{
		Schema: schema,
		Table:  table,
		Op:     op,
		Row:    row,
		TsMs:   time.Now().UnixMilli(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
