package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/server/endpoints"
	"github.com/jackzampolin/folio/internal/svcctx"
)

// Server is the folio HTTP server. It owns a Runtime, starting the worker
// pool with the listener and stopping it on shutdown.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	cfg        Config
	logger     *slog.Logger

	// runtime holds all core services for context enrichment.
	// Nil until Start has opened the store.
	runtime *Runtime

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080, "0" picks a free port)
	Port string
	// Home is the folio home directory (database, staged documents)
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Registry overrides the provider registry built from config
	Registry *providers.Registry
	// Logger is the structured logger to use
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	s.endpointRegistry.Register(endpoints.All()...)

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start opens the store, starts the workers and serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	rt, err := NewRuntime(ctx, RuntimeConfig{
		Home:          s.cfg.Home,
		ConfigManager: s.cfg.ConfigManager,
		Registry:      s.cfg.Registry,
		Logger:        s.logger,
	})
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		rt.Close(context.Background())
		s.setNotRunning()
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		ln.Close()
		rt.Close(context.Background())
		s.setNotRunning()
		return fmt.Errorf("failed to start workers: %w", err)
	}

	s.mu.Lock()
	s.runtime = rt
	s.listener = ln
	s.mu.Unlock()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown stops accepting requests, then stops the workers and closes the store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.mu.Lock()
	rt := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	var err error
	if rt != nil {
		if err = rt.Close(shutdownCtx); err != nil {
			s.logger.Error("runtime close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address. Once started it reflects the
// bound port.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Services returns the running services, or nil before Start.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.runtime == nil {
		return nil
	}
	return s.runtime.Services()
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svcs := s.Services(); svcs != nil {
			ctx = svcctx.WithServices(ctx, svcs)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the store or task manager aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svcs := svcctx.ServicesFrom(r.Context())
		if svcs == nil || svcs.Store == nil || svcs.Tasks == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
