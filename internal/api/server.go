// Package api provides the HTTP REST API of portgate. It wires the scan,
// health and WebSocket handlers behind the shared middleware stack.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/portgate/internal/api/handlers"
	"github.com/anstrom/portgate/internal/api/middleware"
	"github.com/anstrom/portgate/internal/config"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/scanning"
)

const serverShutdownTimeout = 30 * time.Second

// Deps are the services the API exposes. History, Store, Database, Tracker
// and Metrics are optional; leave them nil (not typed nil) when absent.
type Deps struct {
	Runner   apihandlers.TaskRunner
	Events   apihandlers.EventSource
	History  apihandlers.ScanHistory
	Store    apihandlers.Pinger
	Database apihandlers.Pinger
	Tracker  apihandlers.TrackerStats
	Metrics  *metrics.PrometheusMetrics

	ScanDefaults scanning.ScanConfig
	DefaultPorts string
	Logger       *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     config.APIConfig
	deps       Deps
	logger     *logging.Logger
}

// New creates a new API server instance.
func New(cfg config.APIConfig, deps Deps) (*Server, error) {
	if deps.Runner == nil || deps.Events == nil {
		return nil, fmt.Errorf("api server requires a task runner and an event source")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}

	server := &Server{
		router: mux.NewRouter(),
		config: cfg,
		deps:   deps,
		logger: deps.Logger.WithComponent("api"),
	}

	if err := server.setupMiddleware(); err != nil {
		return nil, err
	}
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:           server.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return server, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	scans := apihandlers.NewScanHandler(s.deps.Runner, s.deps.History, s.deps.ScanDefaults,
		s.deps.DefaultPorts, s.logger)
	health := apihandlers.NewHealthHandler(s.deps.Store, s.deps.Database, s.deps.Tracker, s.logger)
	ws := apihandlers.NewWebSocketHandler(s.deps.Events, s.deps.Runner, s.config.CORSOrigins, s.logger)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)

	api.HandleFunc("/scans", scans.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", scans.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.CancelScan).Methods(http.MethodDelete)
	api.HandleFunc("/ws/scans/{id}", ws.ScanEvents).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware() error {
	proxyHeaders, err := middleware.TrustedProxyHeaders(s.config.TrustedProxies)
	if err != nil {
		return err
	}
	s.router.Use(proxyHeaders)
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	if s.deps.Metrics != nil {
		s.router.Use(middleware.Metrics(s.deps.Metrics))
	}

	if s.config.EnableCORS {
		corsOptions := handlers.AllowedOrigins(s.config.CORSOrigins)
		corsHeaders := handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"})
		corsMethods := handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"})
		corsExposed := handlers.ExposedHeaders([]string{"Retry-After", "X-RateLimit-Limit",
			"X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Layer", "Location"})
		s.router.Use(handlers.CORS(corsOptions, corsHeaders, corsMethods, corsExposed))
	}

	s.router.Use(middleware.ContentType())
	return nil
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
