// Package server assembles the HTTP application from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
	"librashelf/internal/config"
	"librashelf/internal/httpx"
	"librashelf/internal/retry"
	"librashelf/internal/storage"
)

// App is a fully wired server.
type App struct {
	Handler http.Handler
	Store   storage.Store
	closers []func() error
}

// Close releases the connections opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Build opens the configured store and idempotency guard and wires the services
// and handlers on top of them.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	app := &App{}

	base, err := openStore(ctx, cfg, app)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	store := storage.NewBreaker(base, storage.DefaultBreakerSettings, logger)
	app.Store = store

	guard, err := openGuard(ctx, cfg, app)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	retryOpts := []retry.Option{
		retry.WithMaxAttempts(cfg.RetryMaxAttempts),
		retry.WithBaseDelay(cfg.RetryBaseDelay),
		retry.WithNotify(func(err error, next time.Duration) {
			logger.Debug("retrying store operation", "error", err, "backoff", next)
		}),
	}

	catalogService, err := catalog.NewService(store, logger, retryOpts...)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("create catalog service: %w", err)
	}
	circulationService, err := circulation.NewService(store, store, guard, logger, retryOpts...)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("create circulation service: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.BorrowRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BorrowRateLimit), cfg.BorrowRateBurst)
	}

	app.Handler = NewRouter(
		catalog.NewHandler(catalogService, logger),
		circulation.NewHandler(circulationService, limiter, logger),
		store,
		logger,
	)
	return app, nil
}

func openStore(ctx context.Context, cfg config.Config, app *App) (storage.Store, error) {
	if cfg.StoreDriver == "memory" {
		return storage.NewMemoryStore(), nil
	}

	db, err := storage.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.closers = append(app.closers, db.Close)

	store, err := storage.NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("create sql store: %w", err)
	}
	return store, nil
}

func openGuard(ctx context.Context, cfg config.Config, app *App) (circulation.IdempotencyGuard, error) {
	if cfg.RedisAddr == "" {
		return storage.NewMemoryGuard(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	app.closers = append(app.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	return storage.NewRedisGuard(client), nil
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter mounts the API and the health check behind the common middleware.
func NewRouter(books *catalog.Handler, borrows *circulation.Handler, health Pinger, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing())
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := health.Ping(ctx); err != nil {
			httpx.WriteError(w, http.StatusServiceUnavailable, "Unavailable", "store unreachable", nil)
			return
		}
		httpx.WriteData(w, http.StatusOK, "ok", map[string]string{"status": "ok"})
	})

	books.Routes(r)
	borrows.Routes(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "NotFound", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed", nil)
	})

	return r
}

func tracing() func(http.Handler) http.Handler {
	tracer := otel.Tracer("librashelf/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", ww.Status()))
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
