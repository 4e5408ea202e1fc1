package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/edgeflare/tableapi/pkg/auth"
	"github.com/edgeflare/tableapi/pkg/httputil"
	"github.com/edgeflare/tableapi/pkg/query"
	"go.uber.org/zap"
)

type tokenResponse struct {
	Token string `json:"token"`
	auth.Record
}

// tokenRequest grants read and write on one table, extra permissions on
// others, or both.
type tokenRequest struct {
	User        string            `json:"user"`
	Table       string            `json:"table"`
	Read        bool              `json:"read"`
	Write       bool              `json:"write"`
	Permissions []auth.Permission `json:"permissions"`
}

func (req tokenRequest) record() (auth.Record, error) {
	if req.User == "" {
		return auth.Record{}, fmt.Errorf("%w: user is required", ErrInvalidBody)
	}
	rec := auth.Record{User: req.User}
	if req.Table != "" {
		if err := query.ValidIdent(req.Table); err != nil {
			return auth.Record{}, err
		}
		rec = auth.NewRecord(req.User, req.Table, req.Read, req.Write)
	} else if req.Read || req.Write {
		return auth.Record{}, fmt.Errorf("%w: read and write need a table", ErrInvalidBody)
	}
	for _, p := range req.Permissions {
		if !rec.Allows(p.Action, p.Resource) {
			rec.Permissions = append(rec.Permissions, p)
		}
	}
	if len(rec.Permissions) == 0 {
		return auth.Record{}, fmt.Errorf("%w: token would grant nothing", ErrInvalidBody)
	}
	return rec, nil
}

// handleCreateToken serves POST /tokens with a body like
// {"user": "alice", "table": "users", "read": true, "write": false}.
// A "permissions" list such as ["read:orders"] may be given alongside or
// instead of the table.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	var req tokenRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(ctx, w, fmt.Errorf("%w: %v", ErrInvalidBody, err))
		return
	}
	rec, err := req.record()
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	token, err := auth.Issue(ctx, s.tokens, rec)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.guard.Invalidate()

	issuer := ""
	if p, ok := auth.PrincipalFrom(ctx); ok {
		issuer = p.User
	}
	s.logger.Info("token issued", zap.String("user", rec.User), zap.String("issued_by", issuer),
		zap.Stringers("permissions", rec.Permissions))

	httputil.JSON(w, http.StatusCreated, tokenResponse{Token: token, Record: rec})
}

// handleRevokeToken serves DELETE /tokens/{token}.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.tokens.Revoke(ctx, r.PathValue("token")); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.guard.Invalidate()
	s.logger.Info("token revoked")

	w.WriteHeader(http.StatusNoContent)
}
