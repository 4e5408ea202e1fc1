package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"

	"github.com/edgeflare/tableapi/pkg/query"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// maxBodyBytes bounds insert and update payloads.
const maxBodyBytes = 1 << 20

// decodeBody reads a JSON object. Numbers keep their literal text and are
// bound as text parameters, so the store converts them to the column type.
// Nested objects and arrays are bound as their JSON text.
func decodeBody(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidBody)
	}

	for k, v := range body {
		switch v := v.(type) {
		case json.Number:
			body[k] = v.String()
		case map[string]any, []any:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBody, k, err)
			}
			body[k] = string(raw)
		}
	}
	return body, nil
}

// decodePayload decodes an insert or update body and checks its shape: it
// must have at least one key and every key must be a valid column name.
// Whether the columns exist is left to the compiler.
func decodePayload(r *http.Request) (map[string]any, error) {
	body, err := decodeBody(r)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, query.ErrEmptyPayload
	}
	for _, key := range slices.Sorted(maps.Keys(body)) {
		if err := query.ValidIdent(key); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// collectRows reads every row into a column-name map.
func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	for _, row := range out {
		normalizeRow(row)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

// normalizeRow converts values whose default JSON encoding is unhelpful.
func normalizeRow(row map[string]any) {
	for k, v := range row {
		switch v := v.(type) {
		case [16]byte:
			row[k] = uuid.UUID(v).String()
		}
	}
}
