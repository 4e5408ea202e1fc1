package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/tableapi/pkg/httputil"
	"github.com/edgeflare/tableapi/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnauthenticated = errors.New("missing bearer token")
	ErrForbidden       = errors.New("forbidden")
)

// DefaultTTL is how long a token snapshot is trusted before it is re-read.
const DefaultTTL = 10 * time.Second

// refreshTimeout bounds a shared refresh, which outlives the request that
// started it.
const refreshTimeout = 10 * time.Second

// Principal is the resolved identity attached to an authorized request.
type Principal struct {
	Token       string
	User        string
	Permissions []Permission
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Guard resolves tokens through a snapshot of a Store. A snapshot whose age
// has reached the TTL is refreshed synchronously before it is used; the
// refresh is shared by all requests that observe the stale snapshot at once.
type Guard struct {
	store     Store
	logger    *zap.Logger
	now       func() time.Time
	snapshot  map[string]Record
	fetchedAt time.Time
	gen       uint64 // bumped by Invalidate
	group     singleflight.Group
	ttl       time.Duration
	mu        sync.RWMutex
}

func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// fresh returns the snapshot if it is younger than the TTL, and the current
// generation either way.
func (g *Guard) fresh() (map[string]Record, uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.snapshot == nil || g.now().Sub(g.fetchedAt) >= g.ttl {
		return nil, g.gen, false
	}
	return g.snapshot, g.gen, true
}

// tokens returns a fresh snapshot, refreshing it if needed. Callers that find
// the snapshot stale in the same generation share one refresh; each caller
// stops waiting when its own ctx is done.
func (g *Guard) tokens(ctx context.Context) (map[string]Record, error) {
	snap, gen, ok := g.fresh()
	if ok {
		return snap, nil
	}

	ch := g.group.DoChan("refresh-"+strconv.FormatUint(gen, 10), func() (any, error) {
		if snap, _, ok := g.fresh(); ok {
			return snap, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		snap, err := g.store.Snapshot(rctx)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("refresh tokens: %w", err)
		}

		g.mu.Lock()
		// an Invalidate during the read means snap may predate a revoke
		if g.gen == gen {
			g.snapshot = snap
			g.fetchedAt = g.now()
		}
		g.mu.Unlock()

		metrics.TokenRefreshes.WithLabelValues("ok").Inc()
		g.logger.Debug("token snapshot refreshed", zap.Int("tokens", len(snap)))
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]Record), nil
	}
}

// Invalidate marks the snapshot stale so the next lookup re-reads the store.
// A refresh already in flight is not stored.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	g.snapshot = nil
	g.gen++
	g.mu.Unlock()
}

// Lookup resolves token against a fresh snapshot.
func (g *Guard) Lookup(ctx context.Context, token string) (Record, bool, error) {
	snap, err := g.tokens(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := snap[token]
	return rec, ok, nil
}

// Authorize decides whether token may perform method on resource.
func (g *Guard) Authorize(ctx context.Context, token, method, resource string) (*Principal, error) {
	if token == "" {
		metrics.AuthzDecisions.WithLabelValues("unauthenticated").Inc()
		return nil, ErrUnauthenticated
	}

	rec, ok, err := g.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.AuthzDecisions.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("%w: unknown token", ErrForbidden)
	}

	action := ActionFor(method)
	if !rec.Allows(action, resource) {
		metrics.AuthzDecisions.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("%w: %s:%s not granted", ErrForbidden, action, resource)
	}

	metrics.AuthzDecisions.WithLabelValues("allowed").Inc()
	return &Principal{Token: token, User: rec.User, Permissions: rec.Permissions}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// PrincipalFrom returns the principal attached by Middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(httputil.PrincipalCtxKey).(*Principal)
	return p, ok && p != nil
}

// Middleware authorizes each request against the resource returned by
// resource, typically the {table} path value, and attaches the Principal to
// the request context.
func (g *Guard) Middleware(resource func(*http.Request) string) httputil.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := g.Authorize(r.Context(), BearerToken(r), r.Method, resource(r))
			switch {
			case errors.Is(err, ErrUnauthenticated):
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				httputil.ErrorCode(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			case errors.Is(err, ErrForbidden):
				httputil.ErrorCode(w, http.StatusForbidden, "forbidden", "token does not grant access to this resource")
				return
			case err != nil:
				g.logger.Error("token lookup failed", zap.Error(err))
				httputil.ErrorCode(w, http.StatusServiceUnavailable, "store_unavailable", "token store unavailable")
				return
			}

			httputil.SetLogField(r.Context(), "user", principal.User)
			ctx := context.WithValue(r.Context(), httputil.PrincipalCtxKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
