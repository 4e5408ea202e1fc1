package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/tableapi/pkg/auth"
	"github.com/edgeflare/tableapi/pkg/events"
	"github.com/edgeflare/tableapi/pkg/httputil"
	"github.com/edgeflare/tableapi/pkg/metrics"
	pg "github.com/edgeflare/tableapi/pkg/pgx"
	"github.com/edgeflare/tableapi/pkg/pgx/schema"
	"github.com/edgeflare/tableapi/pkg/query"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL        = "/api"
	DefaultSchema         = "public"
	DefaultRequestTimeout = 30 * time.Second

	// TokensResource is the permission resource guarding the token routes.
	TokensResource = "tokens"
)

type Server struct {
	conn    pg.Conn
	tables  *schema.Cache
	guard   *auth.Guard
	tokens  auth.Store
	events  events.Publisher
	logger  *zap.Logger
	schema  string
	baseURL string
	timeout time.Duration
	retries uint64
	hidden  map[string]struct{}
}

type Option func(*Server)

// WithSchema sets the schema whose tables are exposed.
func WithSchema(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.schema = name
		}
	}
}

// WithRequestTimeout bounds each request's store work.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sends row changes to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		if p != nil {
			s.events = p
		}
	}
}

// WithHiddenTables makes names unreachable through the table routes, e.g.
// the token table when tokens live in the exposed schema.
func WithHiddenTables(names ...string) Option {
	return func(s *Server) {
		for _, name := range names {
			s.hidden[name] = struct{}{}
		}
	}
}

// WithMaxRetries bounds retries of idempotent reads.
func WithMaxRetries(n uint64) Option {
	return func(s *Server) { s.retries = n }
}

// NewServer serves the tables reachable through conn, described by tables,
// guarded by guard. Token routes manage tokens in store.
func NewServer(conn pg.Conn, tables *schema.Cache, guard *auth.Guard, store auth.Store, opts ...Option) *Server {
	s := &Server{
		conn:    conn,
		tables:  tables,
		guard:   guard,
		tokens:  store,
		events:  events.Noop{},
		logger:  zap.NewNop(),
		schema:  DefaultSchema,
		baseURL: DefaultBaseURL,
		timeout: DefaultRequestTimeout,
		retries: pg.DefaultMaxRetries,
		hidden:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the API routes under baseURL and GET /healthz to router.
// Middleware in mw runs after authorization, so it can read the Principal.
func (s *Server) Register(router *httputil.Router, baseURL string, mw ...httputil.Middleware) {
	if baseURL != "" {
		s.baseURL = "/" + strings.Trim(baseURL, "/")
	}

	router.HandleFunc("GET /healthz", s.handleHealth)

	api := router.Group(s.baseURL)

	tokens := api.Group("")
	tokens.Use(s.guard.Middleware(func(*http.Request) string { return TokensResource }), mw...)
	tokens.HandleFunc("POST /tokens", s.handleCreateToken)
	tokens.HandleFunc("DELETE /tokens/{token}", s.handleRevokeToken)

	tables := api.Group("")
	tables.Use(s.guard.Middleware(func(r *http.Request) string { return r.PathValue("table") }), mw...)
	tables.HandleFunc("GET /{table}", s.handleList)
	tables.HandleFunc("POST /{table}", s.handleCreate)
	tables.HandleFunc("GET /{table}/{id}", s.handleGet)
	tables.HandleFunc("PUT /{table}/{id}", s.handleUpdate)
	tables.HandleFunc("DELETE /{table}/{id}", s.handleDelete)
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

// table resolves the {table} path value to its descriptor.
func (s *Server) table(ctx context.Context, r *http.Request) (schema.Table, error) {
	name := r.PathValue("table")
	httputil.SetLogField(ctx, "table", name)
	if err := query.ValidIdent(name); err != nil {
		return schema.Table{}, err
	}
	if _, hidden := s.hidden[name]; hidden {
		return schema.Table{}, fmt.Errorf("%w: %s.%s", schema.ErrUnknownTable, s.schema, name)
	}
	return s.tables.Ensure(ctx, s.schema, name)
}

// fetch runs stmt and collects its rows. Idempotent statements retry
// transient failures.
func (s *Server) fetch(ctx context.Context, verb string, stmt query.Statement, idempotent bool) ([]map[string]any, error) {
	start := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	}()

	var out []map[string]any
	run := func() error {
		rows, err := s.conn.Query(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		out, err = collectRows(rows)
		return err
	}

	var err error
	if idempotent {
		err = pg.Retry(ctx, s.retries, run)
	} else {
		err = run()
	}
	return out, err
}

func (s *Server) count(ctx context.Context, stmt query.Statement) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues("count").Observe(time.Since(start).Seconds())
	}()

	var total int64
	err := pg.Retry(ctx, s.retries, func() error {
		return s.conn.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&total)
	})
	return total, err
}

func (s *Server) publish(ctx context.Context, table schema.Table, op events.Operation, row map[string]any) {
	event := events.NewEvent(table.Schema, table.Name, op, row)
	if reqID, ok := ctx.Value(httputil.RequestIDCtxKey).(string); ok {
		event.RequestID = reqID
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish row event",
			zap.String("table", table.Name),
			zap.String("op", string(op)),
			zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.conn.Exec(ctx, "SELECT 1"); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		httputil.ErrorCode(w, http.StatusServiceUnavailable, "store_unavailable", "store unavailable")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
