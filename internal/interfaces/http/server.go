// Package http is the provider's read surface: feed values, voting-
// round history, rolling volumes, and the health/metrics/stats
// monitoring endpoints. Handlers never mutate the data plane; every
// write path belongs to the orchestrator and the facade.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/facade"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/datasources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/retry"
)

// Config holds the listener settings
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Deps are the read-only views the handlers serve from. Everything but
// Facade is optional; absent components report empty sections.
type Deps struct {
	Facade   *facade.Facade
	Health   *datasources.HealthMonitor
	Store    *cache.RealTimeCache
	Warmer   *cache.Warmer
	Retry    *retry.Executor
	Circuits *circuit.Manager
	Recovery *datasources.RecoveryManager
	Metrics  *MetricsRegistry

	// Version is reported by /health; empty means "dev"
	Version string
}

// Server owns the router and the listener lifecycle
type Server struct {
	cfg       Config
	deps      Deps
	router    *mux.Router
	server    *http.Server
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer builds the router and verifies the port is free so a
// doomed bind fails at startup, not at serve time.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	cfg.setDefaults()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		logger:    log.With().Str("component", "http").Logger(),
		startTime: time.Now(),
	}
	s.routes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	// OPTIONS is listed so preflights reach the CORS middleware instead
	// of the method-not-allowed handler.
	api.HandleFunc("/values", s.handleValues).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/historical/{round}", s.handleHistorical).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/volumes", s.handleVolumes).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.NotFoundHandler = jsonContentTypeMiddleware(http.HandlerFunc(s.handleNotFound))
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Address reports the configured listen address
func (s *Server) Address() string {
	return s.server.Addr
}

func (s *Server) version() string {
	if s.deps.Version == "" {
		return "dev"
	}
	return s.deps.Version
}

// Start serves until Shutdown. ErrServerClosed is the normal exit and
// is swallowed.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured budget
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

type ctxKey int

const requestIDKey ctxKey = iota

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		elapsed := time.Since(start)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("elapsed", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request")

		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveRequest(r.Method, routeTemplate(r), wrapper.status, elapsed)
		}
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandlerTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// routeTemplate labels metrics with the route pattern, not the raw
// path, so round numbers do not explode the label space.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return strings.SplitN(r.URL.Path, "?", 2)[0]
}

// statusRecorder captures the response code for logs and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
