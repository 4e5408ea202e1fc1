package httputil

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	prefix     string
	middleware []Middleware
	outer      []Middleware
	mu         sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithLogger sets the logger used for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Use adds one or more middleware to the router. Middleware is applied to
// routes registered after the call, in the order added, and runs after the
// mux has matched the route so r.PathValue is available.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Wrap adds middleware that runs around the mux itself, before a route is
// matched. It sees every request, including ones that match no route, and
// has no access to path values.
func (r *Router) Wrap(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outer = append(r.outer, mw...)
}

func (r *Router) handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var h http.Handler = r.mux
	for i := len(r.outer) - 1; i >= 0; i-- {
		h = r.outer[i](h)
	}
	return h
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// from its parent router.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers a handler for a "METHOD /pattern" as introduced in
// [Routing Enhancements for Go 1.22](https://go.dev/blog/routing-enhancements).
// On a group with a /prefix the pattern resolves to "METHOD /prefix/pattern".
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, found := strings.Cut(methodPattern, " ")
	if !found {
		panic(fmt.Sprintf("httputil: invalid method pattern: %s", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		finalHandler = r.middleware[i](finalHandler)
	}
	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), finalHandler)
}

// HandleFunc is Handle for plain functions.
func (r *Router) HandleFunc(methodPattern string, fn http.HandlerFunc) {
	r.Handle(methodPattern, fn)
}

// ServeHTTP dispatches to the registered routes through the wrapping
// middleware.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler().ServeHTTP(w, req)
}

// ListenAndServe starts the server on addr.
func (r *Router) ListenAndServe(addr string) error {
	r.logger.Info("starting server", zap.String("addr", addr))
	r.server.Addr = addr
	r.server.Handler = r.handler()
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}
