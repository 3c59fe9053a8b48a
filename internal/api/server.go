// Package api exposes the HTTP interface of the job progress service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jobwatch-dev/jobwatch/internal/progress"
	"github.com/jobwatch-dev/jobwatch/internal/runner"
	"github.com/jobwatch-dev/jobwatch/internal/store"
)

// Config wires the server's collaborators.
type Config struct {
	Runner   *runner.Runner
	Registry *progress.Registry
	History  store.HistoryRepository
	// Source feeds the per-connection watchers behind the websocket stream.
	Source progress.Subscriber
	// Throttle and MaxLogLines configure those per-connection watchers.
	Throttle    time.Duration
	MaxLogLines int
	Gatherer    prometheus.Gatherer
	Timeout     time.Duration
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the runner, the watcher registry and the run
// history store.
type Server struct {
	router      chi.Router
	runner      *runner.Runner
	registry    *progress.Registry
	history     store.HistoryRepository
	source      progress.Subscriber
	throttle    time.Duration
	maxLogLines int
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Server{
		runner:      cfg.Runner,
		registry:    cfg.Registry,
		history:     cfg.History,
		source:      cfg.Source,
		throttle:    cfg.Throttle,
		maxLogLines: cfg.MaxLogLines,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		// The websocket stream outlives any request budget, so the timeout
		// wraps only the plain endpoints.
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.Timeout))
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Post("/cancel", s.cancelJob)
					r.Get("/progress", s.getProgress)
				})
			})
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.listRuns)
				r.Get("/{job_id}", s.getRun)
			})
		})
		r.Get("/jobs/{job_id}/progress/stream", s.streamProgress)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.history != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.history.ListRuns(ctx, nil, 1, 0); err != nil {
			writeError(w, http.StatusServiceUnavailable, "history store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
