// Package server exposes the task queue and the workflow optimizer over a
// JSON HTTP API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qsched/qsched/internal/logging"
	"github.com/qsched/qsched/internal/subscription"
	"github.com/qsched/qsched/internal/taskqueue"
	"github.com/qsched/qsched/internal/workflow"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Server routes HTTP requests to a queue and an optimizer.
type Server struct {
	queue         *taskqueue.EventQueue
	optimizerOpts []workflow.Option
	subs          *subscription.Manager
	gatherer      prometheus.Gatherer
	logger        *logging.Logger
	router        chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request and error logging.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOptimizerOptions sets the options every optimize request starts from.
func WithOptimizerOptions(opts ...workflow.Option) Option {
	return func(s *Server) {
		s.optimizerOpts = append(s.optimizerOpts, opts...)
	}
}

// WithSubscriptions enables GET /api/tasks/{id}/watch.
func WithSubscriptions(subs *subscription.Manager) Option {
	return func(s *Server) {
		s.subs = subs
	}
}

// WithMetrics serves the collectors of g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a Server for queue.
func New(queue *taskqueue.EventQueue, opts ...Option) *Server {
	s := &Server{
		queue:  queue,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("server")
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleAddTask)
			r.Get("/", s.handleListTasks)
			r.Delete("/", s.handleClearTasks)
			r.Post("/next", s.handleNextTask)
			r.Delete("/completed", s.handleClearCompleted)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/complete", s.handleCompleteTask)
				r.Post("/fail", s.handleFailTask)
				if s.subs != nil {
					r.Get("/watch", s.handleWatchTask)
				}
			})
		})

		r.Get("/status", s.handleStatus)
		r.Get("/state", s.handleGetState)
		r.Put("/state", s.handlePutState)

		r.Post("/workflows/optimize", s.handleOptimize)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// requestLogger logs one line per request with its id, status and latency.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
