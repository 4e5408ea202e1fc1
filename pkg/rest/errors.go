package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/edgeflare/tableapi/pkg/auth"
	"github.com/edgeflare/tableapi/pkg/httputil"
	"github.com/edgeflare/tableapi/pkg/pgx/schema"
	"github.com/edgeflare/tableapi/pkg/query"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	ErrRowNotFound = errors.New("row not found")
	ErrInvalidBody = errors.New("invalid request body")
)

type errorKind struct {
	err    error
	status int
	code   string
}

// clientErrors are safe to echo back: their messages only carry what the
// client sent.
var clientErrors = []errorKind{
	{auth.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{auth.ErrForbidden, http.StatusForbidden, "forbidden"},
	{schema.ErrUnknownTable, http.StatusBadRequest, "unknown_table"},
	{query.ErrUnknownColumn, http.StatusBadRequest, "unknown_column"},
	{query.ErrInvalidIdentifier, http.StatusBadRequest, "invalid_identifier"},
	{query.ErrInvalidOperator, http.StatusBadRequest, "invalid_operator"},
	{query.ErrInvalidFilter, http.StatusBadRequest, "invalid_filter"},
	{query.ErrInvalidOrder, http.StatusBadRequest, "invalid_order"},
	{query.ErrInvalidPagination, http.StatusBadRequest, "invalid_pagination"},
	{query.ErrInvalidProjection, http.StatusBadRequest, "invalid_projection"},
	{query.ErrEmptyPayload, http.StatusBadRequest, "empty_payload"},
	{ErrInvalidBody, http.StatusBadRequest, "invalid_body"},
	{auth.ErrInvalidPermission, http.StatusBadRequest, "invalid_body"},
	{ErrRowNotFound, http.StatusNotFound, "row_not_found"},
	{auth.ErrTokenNotFound, http.StatusNotFound, "token_not_found"},
}

// classify maps err to a status, code and client-facing message. internal
// reports whether the underlying error must stay in the logs.
func classify(ctx context.Context, err error) (status int, code, message string, internal bool) {
	for _, k := range clientErrors {
		if errors.Is(err, k.err) {
			return k.status, k.code, err.Error(), false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout", "request timed out", true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"),
			pgErr.Code == "42804", // datatype_mismatch
			pgErr.Code == "42883": // undefined_function, e.g. LIKE on a non-text column
			return http.StatusBadRequest, "invalid_value", "value not valid for the column type", true
		case strings.HasPrefix(pgErr.Code, "23"):
			return http.StatusConflict, "conflict", "row conflicts with a table constraint", true
		}
	}

	return http.StatusServiceUnavailable, "store_unavailable", "store unavailable", true
}

// writeError responds with the JSON error for err, logging errors whose
// details are not returned to the client.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code, message, internal := classify(ctx, err)
	if internal {
		level := zap.WarnLevel
		if status >= http.StatusInternalServerError {
			level = zap.ErrorLevel
		}
		s.logger.Log(level, "request failed",
			zap.String("code", code),
			zap.Any("req_id", ctx.Value(httputil.RequestIDCtxKey)),
			zap.Error(err))
	}
	httputil.SetLogField(ctx, "error_code", code)
	httputil.ErrorCode(w, status, code, message)
}
