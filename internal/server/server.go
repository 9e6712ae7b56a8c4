// Package server wires the lexbatch HTTP API onto chi.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/lexbatch/internal/errors"
	"github.com/3leaps/lexbatch/internal/server/handlers"
	"github.com/3leaps/lexbatch/internal/server/middleware"
)

// Server is the HTTP front end.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger
	jobs   *handlers.Jobs

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithJobs mounts the job and scope endpoints.
func WithJobs(jobs *handlers.Jobs) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithTimeouts sets the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		env := apperrors.NewEnvelope(apperrors.CodeNotFound, "route not found", nil)
		apperrors.WriteError(w, http.StatusNotFound, env.WithCorrelationID(apperrors.RequestIDFrom(r.Context())))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		env := apperrors.NewEnvelope(apperrors.CodeMethodNotAllowed, "method not allowed", nil)
		apperrors.WriteError(w, http.StatusMethodNotAllowed, env.WithCorrelationID(apperrors.RequestIDFrom(r.Context())))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.jobs != nil {
		s.jobs.Routes(r)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns host:port.
func (s *Server) Addr() string { return net.JoinHostPort(s.host, strconv.Itoa(s.port)) }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
