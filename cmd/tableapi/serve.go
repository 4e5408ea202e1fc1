package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/tableapi/pkg/auth"
	"github.com/edgeflare/tableapi/pkg/config"
	"github.com/edgeflare/tableapi/pkg/events"
	"github.com/edgeflare/tableapi/pkg/httputil"
	mw "github.com/edgeflare/tableapi/pkg/httputil/middleware"
	"github.com/edgeflare/tableapi/pkg/metrics"
	pg "github.com/edgeflare/tableapi/pkg/pgx"
	"github.com/edgeflare/tableapi/pkg/pgx/schema"
	"github.com/edgeflare/tableapi/pkg/rest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"rest"},
	Short:   "Start the REST API server",
	Long:    `Starts a REST API server that exposes the tables of one PostgreSQL schema through HTTP endpoints`,
	RunE:    runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("rest.pg.connString", "c", "", "PostgreSQL connection string")
	f.Int32("rest.pg.maxConns", 0, "Maximum pooled connections")
	f.StringP("rest.listenAddr", "l", "", "REST server listen address")
	f.String("rest.baseURL", "", "Base URL for API endpoints")
	f.String("rest.schema", "", "Schema whose tables are exposed")
	f.Duration("rest.requestTimeout", 0, "Deadline for each request's statements")
	f.Float64("rest.rateLimit.rps", 0, "Requests per second allowed per token (0 disables)")
	f.Int("rest.rateLimit.burst", 0, "Rate limit burst size")
	f.String("tokens.store", "", "Token store: file or postgres")
	f.String("tokens.file", "", "Token file for the file store")
	f.Duration("tokens.ttl", 0, "How long a token snapshot is trusted before it is re-read")
	f.Bool("metrics.enabled", false, "Serve Prometheus metrics")
	f.String("metrics.addr", "", "Prometheus metrics listen address")
	f.String("events.natsURL", "", "Publish row changes to this NATS server")

}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.REST.PG.ConnString == "" {
		return errors.New("PostgreSQL connection string required (rest.pg.connString or TABLEAPI_REST_PG_CONNSTRING)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.NewPool(ctx, pg.PoolConfig{ConnString: cfg.REST.PG.ConnString, MaxConns: cfg.REST.PG.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := openTokenStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	guard := auth.NewGuard(store, auth.WithTTL(cfg.Tokens.TTL), auth.WithLogger(logger.Named("auth")))

	opts := []rest.Option{
		rest.WithSchema(cfg.REST.Schema),
		rest.WithRequestTimeout(cfg.REST.RequestTimeout),
		rest.WithMaxRetries(cfg.REST.MaxRetries),
		rest.WithLogger(logger.Named("rest")),
	}

	var wg sync.WaitGroup
	if cfg.Tokens.Store == config.TokenStorePostgres {
		opts = append(opts, rest.WithHiddenTables(cfg.Tokens.Table))
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchTokens(ctx, pool, guard, logger.Named("auth"))
		}()
	}

	if cfg.Events.URL != "" {
		publisher, err := events.NewNATSPublisher(cfg.Events, logger.Named("events"))
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, rest.WithPublisher(publisher))
	}

	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr, Logger: logger.Named("metrics")})
	}

	router := httputil.NewRouter(
		httputil.WithLogger(logger),
		httputil.WithServerOptions(func(s *http.Server) { s.ReadHeaderTimeout = 10 * time.Second }),
	)
	// the logger sees fields handlers add later (user, table, error_code)
	router.Wrap(
		mw.RequestID,
		mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger.Named("http")}),
		mw.CORSWithOptions(corsOptions(cfg.REST.CORS)),
	)

	server := rest.NewServer(pool, schema.NewPgCache(pool, logger.Named("schema")), guard, store, opts...)
	server.Register(router, cfg.REST.BaseURL, mw.RateLimit(mw.RateLimitOptions{
		RPS:   cfg.REST.RateLimit.RPS,
		Burst: cfg.REST.RateLimit.Burst,
		Key:   rateLimitKey,
	}))

	errc := make(chan error, 1)
	go func() {
		if err := router.ListenAndServe(cfg.REST.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	wg.Wait()
	logger.Info("server gracefully stopped")
	return nil
}

// rateLimitKey buckets authorized requests by token and everything else by
// remote address.
func rateLimitKey(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Token
	}
	return r.RemoteAddr
}

func corsOptions(c config.CORSConfig) *mw.CORSOptions {
	opts := mw.DefaultCORSOptions()
	if len(c.AllowedOrigins) > 0 {
		opts.AllowedOrigins = c.AllowedOrigins
	}
	return opts
}

// openTokenStore returns the configured token store. The postgres store
// keeps its table in the served schema and creates it if missing.
func openTokenStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (auth.Store, error) {
	switch cfg.Tokens.Store {
	case config.TokenStorePostgres:
		store, err := auth.NewPgStore(pool, cfg.REST.Schema, cfg.Tokens.Table)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("create token table: %w", err)
		}
		return store, nil
	default:
		return auth.NewFileStore(cfg.Tokens.File), nil
	}
}

// watchTokens invalidates guard whenever another process changes the token
// table, reconnecting with backoff until ctx is done.
func watchTokens(ctx context.Context, pool *pgxpool.Pool, guard *auth.Guard, logger *zap.Logger) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	op := func() error {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		// LISTEN state must not go back into the pool
		conn := c.Hijack()
		defer conn.Close(context.Background())

		// notifications may have been missed while disconnected
		guard.Invalidate()
		b.Reset()
		return auth.Watch(ctx, conn, guard.Invalidate)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("token change listener failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	err := backoff.RetryNotify(func() error {
		err := op()
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("token change listener stopped", zap.Error(err))
	}
}
