// Package api serves the pipeline status and task operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/metrics"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/pipeline"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Service is the pipeline surface the API exposes.
type Service interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*storage.Task, error)
	Status(ctx context.Context) (*pipeline.Status, error)
	Task(ctx context.Context, id string) (*storage.Task, error)
	Tasks(ctx context.Context, filter storage.TaskFilter) ([]*storage.Task, error)
	Pages(ctx context.Context, id string) ([]*storage.TaskDetail, error)
	Output(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) (*storage.Task, error)
	RetryFailedPages(ctx context.Context, id string) (int, error)
	Cleanup(ctx context.Context, id string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure the router.
type Options struct {
	RequestTimeout time.Duration
	MetricsEnabled bool
}

// NewRouter creates the API router with all routes configured.
func NewRouter(svc Service, db Pinger, logger *observability.Logger, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	h := &handlers{svc: svc, db: db, logger: logger.WithComponent("api")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(opts.RequestTimeout))

	r.Get("/health", h.health)
	r.Get("/status", h.status)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.listTasks)
		r.Post("/", h.submit)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getTask)
			r.Delete("/", h.cleanup)
			r.Get("/pages", h.pages)
			r.Get("/output", h.output)
			r.Post("/cancel", h.cancel)
			r.Post("/retry", h.retry)
		})
	})

	if opts.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	return r
}

// requestLogger logs each request with its status and duration.
func requestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// Serve runs the API until ctx ends, then shuts down within the configured grace period.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *observability.Logger) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}
	logger.Info().Msg("HTTP server stopped")
	return nil
}
