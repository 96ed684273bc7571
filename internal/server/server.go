// Package server provides the HTTP API for the retrieval index.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Aman-CERP/ragindex/internal/index"
)

// DefaultRequestTimeout bounds a request end to end. It should exceed the
// backend's operation timeout so that timeouts surface as index errors.
const DefaultRequestTimeout = 5 * time.Minute

// Server is the HTTP server for the index API.
//
// The backend holds one open collection at a time, so requests naming a
// collection switch to it first; mu keeps the switch and the operation
// together.
type Server struct {
	indexer *index.Indexer
	addr    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a server listening on addr.
func New(ix *index.Indexer, addr string, opts ...Option) *Server {
	s := &Server{
		indexer: ix,
		addr:    addr,
		timeout: DefaultRequestTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)
	r.Route("/api/v1/collections/{name}", func(r chi.Router) {
		r.Post("/documents", s.handleIngest)
		r.Post("/query", s.handleQuery)
		r.Post("/delete", s.handleDelete)
		r.Post("/reindex", s.handleReindex)
		r.Get("/count", s.handleCount)
		r.Delete("/", s.handleClear)
	})
	return r
}

// Start serves until Stop is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("http_server_starting", slog.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http_request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)))
	})
}
