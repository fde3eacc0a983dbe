package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-lutron/internal/bridges/lutron"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-lutron/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// JournalReader is the part of the journal the API reads.
type JournalReader interface {
	List(ctx context.Context, filter journal.Filter) (*journal.ListResult, error)
}

// ConnectionChecker reports whether a dependency is connected.
// Satisfied by mqtt.Client and influxdb.Client.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Client  lutron.Connector
	Journal JournalReader     // optional
	MQTT    ConnectionChecker // optional
	Version string
}

// Server is the HTTP API server for the Lutron bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	client    lutron.Connector
	journal   JournalReader
	mqtt      ConnectionChecker
	version   string
	startTime time.Time

	hub     *Hub
	limiter *IPRateLimiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels background goroutines on Close()
	wg       sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The hub exists from construction so it can be handed to the MQTT bridge
// as its EventSink before the server starts listening.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("lutron client is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		client:    deps.Client,
		journal:   deps.Journal,
		mqtt:      deps.MQTT,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}

	if deps.Config.RateLimit.Enabled {
		s.limiter = NewIPRateLimiter(deps.Config.RateLimit.RequestsPerMinute, deps.Config.RateLimit.Burst)
	}

	return s, nil
}

// Hub returns the WebSocket hub. It implements lutron.EventSink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and rate limiter cleanup, binds the listener
// and serves in a background goroutine. The server can be stopped with
// Close().
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(srvCtx)
	}()

	if s.limiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.RunCleanup(srvCtx, rateLimiterCleanupInterval)
		}()
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	server := s.server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("API server listening", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	server := s.server
	cancel := s.cancel
	s.server = nil
	s.listener = nil
	s.cancel = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	// Cancel background goroutines (hub, limiter cleanup)
	if cancel != nil {
		cancel()
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancelShutdown()

	s.logger.Info("API server shutting down")
	err := server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
