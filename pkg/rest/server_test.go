package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeflare/tableapi/pkg/auth"
	"github.com/edgeflare/tableapi/pkg/httputil"
	"github.com/edgeflare/tableapi/pkg/pgx/schema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn fails every statement with err and counts the attempts.
type fakeConn struct {
	err   error
	block bool
	calls atomic.Int32
}

func (c *fakeConn) wait(ctx context.Context) error {
	c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.err != nil {
		return c.err
	}
	return errors.New("fakeConn: no result configured")
}

func (c *fakeConn) Exec(ctx context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	if c.err == nil && !c.block {
		c.calls.Add(1)
		return pgconn.NewCommandTag("SELECT 1"), nil
	}
	return pgconn.CommandTag{}, c.wait(ctx)
}

func (c *fakeConn) Query(ctx context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, c.wait(ctx)
}

func (c *fakeConn) QueryRow(ctx context.Context, _ string, _ ...any) pgx.Row {
	return errRow{c.wait(ctx)}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

var peopleColumns = []schema.Column{
	{Name: "id", DataType: "integer", IsPrimaryKey: true},
	{Name: "name", DataType: "text"},
	{Name: "age", DataType: "integer", IsNullable: true},
}

func fakeIntrospector(_ context.Context, _, table string) ([]schema.Column, error) {
	switch table {
	case "people", "api_tokens":
		return peopleColumns, nil
	}
	return nil, nil
}

type testServer struct {
	router *httputil.Router
	conn   *fakeConn
	store  *auth.FileStore
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	return newTestServerWithIntrospector(t, schema.IntrospectorFunc(fakeIntrospector), opts...)
}

func newTestServerWithIntrospector(t *testing.T, introspector schema.Introspector, opts ...Option) *testServer {
	t.Helper()
	ctx := context.Background()

	store := auth.NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, store.Create(ctx, "admin", auth.Record{User: "root", Permissions: []auth.Permission{
		{Action: auth.ActionRead, Resource: "people"},
		{Action: auth.ActionWrite, Resource: "people"},
		{Action: auth.ActionRead, Resource: "api_tokens"},
		{Action: auth.ActionRead, Resource: "ghosts"},
		{Action: auth.ActionWrite, Resource: TokensResource},
	}}))
	require.NoError(t, store.Create(ctx, "reader", auth.NewRecord("alice", "people", true, false)))

	conn := &fakeConn{err: &pgconn.PgError{Code: "08006", Message: "connection failure"}}
	tables := schema.NewCache(introspector, nil)
	guard := auth.NewGuard(store)

	opts = append([]Option{WithMaxRetries(1)}, opts...)
	srv := NewServer(conn, tables, guard, store, opts...)
	router := httputil.NewRouter()
	srv.Register(router, "/api")

	return &testServer{router: router, conn: conn, store: store}
}

func (ts *testServer) do(method, target, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Code
}

func TestRequestsRejectedBeforeTheStore(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		token  string
		body   string
		status int
		code   string
	}{
		{"no token", http.MethodGet, "/api/people", "", "", http.StatusUnauthorized, "unauthenticated"},
		{"unknown token", http.MethodGet, "/api/people", "nope", "", http.StatusForbidden, "forbidden"},
		{"reader cannot POST", http.MethodPost, "/api/people", "reader", `{"name":"x"}`, http.StatusForbidden, "forbidden"},
		{"reader cannot PUT", http.MethodPut, "/api/people/1", "reader", `{"name":"x"}`, http.StatusForbidden, "forbidden"},
		{"reader cannot DELETE", http.MethodDelete, "/api/people/1", "reader", "", http.StatusForbidden, "forbidden"},
		{"no entry for table", http.MethodGet, "/api/orders", "reader", "", http.StatusForbidden, "forbidden"},
		{"unknown table", http.MethodGet, "/api/ghosts", "admin", "", http.StatusBadRequest, "unknown_table"},
		{"hidden table", http.MethodGet, "/api/api_tokens", "admin", "", http.StatusBadRequest, "unknown_table"},
		{"unknown operator", http.MethodGet, "/api/people?filter=age,xx,1", "admin", "", http.StatusBadRequest, "invalid_operator"},
		{"bt arity", http.MethodGet, "/api/people?filter=age,bt,18", "admin", "", http.StatusBadRequest, "invalid_filter"},
		{"is arity", http.MethodGet, "/api/people?filter=age,is,1", "admin", "", http.StatusBadRequest, "invalid_filter"},
		{"filter column", http.MethodGet, "/api/people?filter=nope,eq,1", "admin", "", http.StatusBadRequest, "unknown_column"},
		{"filter identifier", http.MethodGet, "/api/people?filter=a%3Bdrop,eq,1", "admin", "", http.StatusBadRequest, "invalid_identifier"},
		{"order direction", http.MethodGet, "/api/people?order=age", "admin", "", http.StatusBadRequest, "invalid_order"},
		{"page without limit", http.MethodGet, "/api/people?page=2", "admin", "", http.StatusBadRequest, "invalid_pagination"},
		{"negative limit", http.MethodGet, "/api/people?limit=-1", "admin", "", http.StatusBadRequest, "invalid_pagination"},
		{"include and exclude", http.MethodGet, "/api/people?include=id&exclude=age", "admin", "", http.StatusBadRequest, "invalid_projection"},
		{"exclude all", http.MethodGet, "/api/people/1?exclude=id,name,age", "admin", "", http.StatusBadRequest, "invalid_projection"},
		{"empty insert", http.MethodPost, "/api/people", "admin", `{}`, http.StatusBadRequest, "empty_payload"},
		{"missing insert body", http.MethodPost, "/api/people", "admin", "", http.StatusBadRequest, "empty_payload"},
		{"array body", http.MethodPost, "/api/people", "admin", `[{"name":"x"}]`, http.StatusBadRequest, "invalid_body"},
		{"trailing body", http.MethodPost, "/api/people", "admin", `{"name":"x"} {}`, http.StatusBadRequest, "invalid_body"},
		{"unknown body column", http.MethodPut, "/api/people/1", "admin", `{"nope":1}`, http.StatusBadRequest, "unknown_column"},
		{"empty update", http.MethodPut, "/api/people/1", "admin", `{}`, http.StatusBadRequest, "empty_payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, WithHiddenTables("api_tokens"))
			rr := ts.do(tt.method, tt.target, tt.token, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rr))
			assert.Zero(t, ts.conn.calls.Load(), "store must not be reached")
		})
	}
}

func TestInputErrorsNeedNoIntrospection(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		body   string
		code   string
	}{
		{"unknown operator", http.MethodGet, "/api/people?filter=age,zz,1", "", "invalid_operator"},
		{"filter arity", http.MethodGet, "/api/people?filter=age,bt,1", "", "invalid_filter"},
		{"page without limit", http.MethodGet, "/api/people?page=2", "", "invalid_pagination"},
		{"order direction", http.MethodGet, "/api/people?order=age,up", "", "invalid_order"},
		{"projection identifier", http.MethodGet, "/api/people?include=id,a%3Bb", "", "invalid_identifier"},
		{"get projection", http.MethodGet, "/api/people/1?include=id&exclude=age", "", "invalid_projection"},
		{"empty insert", http.MethodPost, "/api/people", `{}`, "empty_payload"},
		{"missing insert body", http.MethodPost, "/api/people", "", "empty_payload"},
		{"malformed insert", http.MethodPost, "/api/people", `{"name":`, "invalid_body"},
		{"body key identifier", http.MethodPost, "/api/people", `{"na me":"x"}`, "invalid_identifier"},
		{"empty update", http.MethodPut, "/api/people/1", `{}`, "empty_payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			down := schema.IntrospectorFunc(func(context.Context, string, string) ([]schema.Column, error) {
				calls.Add(1)
				return nil, errors.New("connection refused")
			})
			ts := newTestServerWithIntrospector(t, down)

			rr := ts.do(tt.method, tt.target, "admin", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rr))
			assert.Zero(t, calls.Load(), "introspection must not run")
			assert.Zero(t, ts.conn.calls.Load())
		})
	}

	t.Run("well formed request reaches introspection", func(t *testing.T) {
		var calls atomic.Int32
		down := schema.IntrospectorFunc(func(context.Context, string, string) ([]schema.Column, error) {
			calls.Add(1)
			return nil, errors.New("connection refused")
		})
		ts := newTestServerWithIntrospector(t, down)

		rr := ts.do(http.MethodGet, "/api/people?filter=age,eq,1", "admin", "")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "store_unavailable", errorCode(t, rr))
		assert.EqualValues(t, 1, calls.Load())
	})
}

func TestStoreFailures(t *testing.T) {
	t.Run("transient read failure retries then 503", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodGet, "/api/people", "admin", "")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "store_unavailable", errorCode(t, rr))
		assert.EqualValues(t, 2, ts.conn.calls.Load())
		assert.NotContains(t, rr.Body.String(), "connection failure")
	})

	t.Run("writes are not retried", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodPost, "/api/people", "admin", `{"name":"x"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.EqualValues(t, 1, ts.conn.calls.Load())
	})

	t.Run("constraint violation is a conflict", func(t *testing.T) {
		ts := newTestServer(t)
		ts.conn.err = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		rr := ts.do(http.MethodPost, "/api/people", "admin", `{"id":1,"name":"x"}`)
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "conflict", errorCode(t, rr))
	})

	t.Run("bad value is a client error", func(t *testing.T) {
		ts := newTestServer(t)
		ts.conn.err = &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type integer"}
		rr := ts.do(http.MethodGet, "/api/people?filter=age,eq,abc", "admin", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_value", errorCode(t, rr))
		assert.EqualValues(t, 1, ts.conn.calls.Load())
	})

	t.Run("deadline is a timeout", func(t *testing.T) {
		ts := newTestServer(t, WithRequestTimeout(20*time.Millisecond))
		ts.conn.block = true
		rr := ts.do(http.MethodGet, "/api/people/1", "admin", "")
		assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
		assert.Equal(t, "timeout", errorCode(t, rr))
	})
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.conn.err = nil
	rr := ts.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	ts.conn.err = errors.New("down")
	rr = ts.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTokenRoutes(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/api/tokens", "reader", `{"user":"bob","permissions":["read:people"]}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(http.MethodPost, "/api/tokens", "admin", `{"user":"bob","permissions":["delete:people"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_body", errorCode(t, rr))

	rr = ts.do(http.MethodPost, "/api/tokens", "admin", `{"user":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(http.MethodPost, "/api/tokens", "admin", `{"user":"bob","permissions":["read:people"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Token       string   `json:"token"`
		User        string   `json:"user"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "bob", created.User)
	assert.Equal(t, []string{"read:people"}, created.Permissions)
	require.NotEmpty(t, created.Token)

	// usable at once, without waiting for the snapshot ttl
	rr = ts.do(http.MethodPost, "/api/people", created.Token, `{"name":"x"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = ts.do(http.MethodGet, "/api/people?filter=age,bt,1", created.Token, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "authorized, rejected by the parser")

	rr = ts.do(http.MethodDelete, "/api/tokens/"+created.Token, "admin", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.do(http.MethodGet, "/api/people", created.Token, "")
	assert.Equal(t, http.StatusForbidden, rr.Code, "revoked token is rejected at once")

	rr = ts.do(http.MethodDelete, "/api/tokens/"+created.Token, "admin", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "token_not_found", errorCode(t, rr))
}

func TestCreateTokenForTable(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/api/tokens", "admin", `{"user":"carol","table":"people","read":true,"write":false}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Token       string   `json:"token"`
		User        string   `json:"user"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotEmpty(t, created.Token)
	assert.Equal(t, "carol", created.User)
	assert.Equal(t, []string{"read:people"}, created.Permissions)

	rr = ts.do(http.MethodGet, "/api/people?filter=age,bt,1", created.Token, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "read is granted")
	rr = ts.do(http.MethodPost, "/api/people", created.Token, `{"name":"x"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code, "write is not")

	rr = ts.do(http.MethodPost, "/api/tokens", "admin",
		`{"user":"dan","table":"people","read":true,"write":true,"permissions":["read:people","read:api_tokens"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, []string{"read:people", "write:people", "read:api_tokens"}, created.Permissions)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"grants nothing", `{"user":"erin","table":"people","read":false,"write":false}`, "invalid_body"},
		{"no user", `{"table":"people","read":true}`, "invalid_body"},
		{"read without table", `{"user":"erin","read":true}`, "invalid_body"},
		{"table identifier", `{"user":"erin","table":"people;drop","read":true}`, "invalid_identifier"},
		{"unknown field", `{"user":"erin","table":"people","read":true,"admin":true}`, "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(http.MethodPost, "/api/tokens", "admin", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rr))
		})
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{schema.ErrUnknownTable, http.StatusBadRequest, "unknown_table"},
		{ErrRowNotFound, http.StatusNotFound, "row_not_found"},
		{auth.ErrTokenNotFound, http.StatusNotFound, "token_not_found"},
		{&pgconn.PgError{Code: "23503"}, http.StatusConflict, "conflict"},
		{&pgconn.PgError{Code: "22003"}, http.StatusBadRequest, "invalid_value"},
		{&pgconn.PgError{Code: "42883"}, http.StatusBadRequest, "invalid_value"},
		{&pgconn.PgError{Code: "42P01"}, http.StatusServiceUnavailable, "store_unavailable"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusServiceUnavailable, "store_unavailable"},
	}
	for _, tt := range tests {
		status, code, _, _ := classify(ctx, tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestPrefer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p := parsePrefer(req)
	assert.True(t, p.Representation(true))
	assert.False(t, p.Representation(false))
	assert.False(t, p.WantsCountExact())

	req.Header.Set("Prefer", `return=minimal, count="exact"`)
	p = parsePrefer(req)
	assert.False(t, p.Representation(true))
	assert.True(t, p.WantsCountExact())
	assert.Equal(t, "return=minimal, count=exact", p.appliedHeader())

	req.Header.Set("Prefer", "return=bogus, count=planned")
	p = parsePrefer(req)
	assert.True(t, p.Representation(true))
	assert.False(t, p.WantsCountExact())
}

func TestContentRange(t *testing.T) {
	assert.Equal(t, "0-9/42", contentRange(0, 10, 42))
	assert.Equal(t, "20-21/22", contentRange(20, 2, 22))
	assert.Equal(t, "*/0", contentRange(0, 0, 0))
}
