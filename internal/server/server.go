// Package server exposes a detector over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/cache"
	"github.com/raaihank/license-sentinel/internal/config"
	"github.com/raaihank/license-sentinel/internal/detection"
	"github.com/raaihank/license-sentinel/internal/logger"
	"github.com/raaihank/license-sentinel/internal/websocket"
)

// Version is reported by /info.
const Version = "0.1.0"

// Mirror receives every registry mutation made through the API.
type Mirror interface {
	Upsert(ctx context.Context, backend detection.BackendType, record detection.Record) error
	Delete(ctx context.Context, backend detection.BackendType, name string) (bool, error)
}

// SnapshotStore keeps a copy of the whole registry.
type SnapshotStore interface {
	SaveRegistry(ctx context.Context, matcher detection.Matcher) error
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Cache     cache.ResultStore
	Mirror    Mirror
	Snapshots SnapshotStore
}

// Server represents the HTTP API server
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	matcher   *cache.CachedMatcher
	mirror    Mirror
	snapshots SnapshotStore
	limiter   *RateLimiter
	router    *mux.Router
	server    *http.Server
	wsHub     *websocket.Hub
	started   time.Time
	requests  atomic.Int64

	// persistMu serializes snapshot and store-file writes.
	persistMu sync.Mutex
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, matcher detection.Matcher, opts Options) *Server {
	ws := cfg.WebSocket
	wsHub := websocket.NewHub(&websocket.HubConfig{
		BroadcastDetections:  ws.Events.BroadcastDetections,
		BroadcastRegistry:    ws.Events.BroadcastRegistry,
		BroadcastSystem:      ws.Events.BroadcastSystem,
		BroadcastConnections: ws.Events.BroadcastConnections,
		MaxConnections:       ws.MaxConnections,
		ReadBufferSize:       ws.ReadBufferSize,
		WriteBufferSize:      ws.WriteBufferSize,
		PingInterval:         ws.PingInterval,
		PongTimeout:          ws.PongTimeout,
		WriteTimeout:         ws.WriteTimeout,
		MaxMessageSize:       ws.MaxMessageSize,
		AllowedOrigins:       ws.AllowedOrigins,
		TrustProxyHeaders:    cfg.Server.TrustProxyHeaders,
	}, log.Logger)

	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		matcher:   cache.NewCachedMatcher(matcher, opts.Cache, log.Logger.Named("cache")),
		mirror:    opts.Mirror,
		snapshots: opts.Snapshots,
		limiter:   NewRateLimiter(cfg.RateLimit),
		router:    mux.NewRouter(),
		wsHub:     wsHub,
		started:   time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/licenses", s.handleListLicenses).Methods(http.MethodGet)
	api.HandleFunc("/licenses/{name}", s.handlePutLicense).Methods(http.MethodPut)
	api.HandleFunc("/licenses/{name}", s.handleDeleteLicense).Methods(http.MethodDelete)
	api.HandleFunc("/hash", s.handleHash).Methods(http.MethodPost)
	api.HandleFunc("/match", s.handleMatch).Methods(http.MethodPost)
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called or ctx is done. The WebSocket hub and
// rate-limiter cleanup run for the same lifetime.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting license-sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.String("backend", string(s.matcher.Backend())),
		zap.Int("licenses", s.matcher.Len()))

	go s.wsHub.Run(ctx)
	go s.limiter.RunCleanup(ctx, s.config.RateLimit.CleanupInterval)
	go s.broadcastStatus(ctx)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping license-sentinel server")
	return s.server.Shutdown(ctx)
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}

func (s *Server) broadcastStatus(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wsHub.BroadcastEvent(websocket.Event{
				Type: websocket.EventTypeSystemStatus,
				Data: s.systemStatus(),
			})
		}
	}
}

func (s *Server) systemStatus() websocket.SystemStatusEvent {
	stats := s.matcher.Stats()
	return websocket.SystemStatusEvent{
		Status:           "healthy",
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		Backend:          string(s.matcher.Backend()),
		Licenses:         stats.Entries,
		TotalQueries:     stats.TotalQueries,
		ConnectedClients: s.wsHub.ClientCount(),
	}
}
