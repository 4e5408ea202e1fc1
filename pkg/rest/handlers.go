package rest

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/edgeflare/tableapi/pkg/events"
	"github.com/edgeflare/tableapi/pkg/httputil"
	"github.com/edgeflare/tableapi/pkg/query"
)

// handleList serves GET /{table}.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	spec, err := query.ParseSpec(r.URL.Query())
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	table, err := s.table(ctx, r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	stmt, err := query.Select(table, spec)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	rows, err := s.fetch(ctx, "select", stmt, true)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	prefer := parsePrefer(r)
	if prefer.WantsCountExact() {
		countStmt, err := query.Count(table, spec)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		total, err := s.count(ctx, countStmt)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		w.Header().Set("Content-Range", contentRange(spec.Offset(), len(rows), total))
		w.Header().Set("Preference-Applied", prefer.appliedHeader())
	}

	httputil.JSON(w, http.StatusOK, rows)
}

// handleGet serves GET /{table}/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	spec, err := query.ParseSpec(r.URL.Query())
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	table, err := s.table(ctx, r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	id := r.PathValue("id")
	stmt, err := query.Get(table, spec, id)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	rows, err := s.fetch(ctx, "get", stmt, true)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if len(rows) == 0 {
		s.writeError(ctx, w, fmt.Errorf("%w: %s/%s", ErrRowNotFound, table.Name, id))
		return
	}
	httputil.JSON(w, http.StatusOK, rows[0])
}

// handleCreate serves POST /{table}.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	body, err := decodePayload(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	table, err := s.table(ctx, r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	stmt, err := query.Insert(table, body)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	rows, err := s.fetch(ctx, "insert", stmt, false)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	var row map[string]any
	if len(rows) > 0 {
		row = rows[0]
		if key, ok := row[table.KeyColumn()]; ok && key != nil {
			w.Header().Set("Location", s.baseURL+"/"+table.Name+"/"+url.PathEscape(fmt.Sprint(key)))
		}
	}
	s.publish(ctx, table, events.OpInsert, row)

	if parsePrefer(r).Representation(true) {
		httputil.JSON(w, http.StatusCreated, row)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleUpdate serves PUT /{table}/{id}.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	body, err := decodePayload(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	table, err := s.table(ctx, r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	id := r.PathValue("id")
	stmt, err := query.Update(table, id, body)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	rows, err := s.fetch(ctx, "update", stmt, false)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if len(rows) == 0 {
		s.writeError(ctx, w, fmt.Errorf("%w: %s/%s", ErrRowNotFound, table.Name, id))
		return
	}
	s.publish(ctx, table, events.OpUpdate, rows[0])

	if parsePrefer(r).Representation(true) {
		httputil.JSON(w, http.StatusOK, rows[0])
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDelete serves DELETE /{table}/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	table, err := s.table(ctx, r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	id := r.PathValue("id")
	stmt, err := query.Delete(table, id)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	rows, err := s.fetch(ctx, "delete", stmt, false)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if len(rows) == 0 {
		s.writeError(ctx, w, fmt.Errorf("%w: %s/%s", ErrRowNotFound, table.Name, id))
		return
	}
	s.publish(ctx, table, events.OpDelete, rows[0])

	if parsePrefer(r).Representation(false) {
		httputil.JSON(w, http.StatusOK, rows[0])
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
