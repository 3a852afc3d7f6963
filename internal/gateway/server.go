// Package gateway exposes the tenant session registry over HTTP.
//
// Command operations map onto JSON endpoints under /v1/tenants. Events reach
// clients either through poll subscriptions or a WebSocket push stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/wagate/internal/config"
	"github.com/haasonsaas/wagate/internal/observability"
	"github.com/haasonsaas/wagate/internal/tenants"
)

// Options configures a Server.
type Options struct {
	Config   config.ServerConfig
	Logger   *slog.Logger
	Tracer   *observability.Tracer
	Gatherer prometheus.Gatherer

	// StreamBuffer bounds events queued per WebSocket client before the
	// client is dropped as too slow.
	StreamBuffer int
}

// Server serves the HTTP surface of a tenant registry.
type Server struct {
	registry *tenants.Registry
	config   config.ServerConfig
	logger   *slog.Logger
	tracer   *observability.Tracer
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	buffer   int
	started  time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server for registry.
func NewServer(registry *tenants.Registry, opts Options) (*Server, error) {
	if registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	buffer := opts.StreamBuffer
	if buffer <= 0 {
		buffer = wsDefaultBuffer
	}
	return &Server{
		registry: registry,
		config:   opts.Config,
		logger:   logger.With("component", "gateway"),
		tracer:   opts.Tracer,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(opts.Config.AllowedOrigins),
		},
		buffer:  buffer,
		started: time.Now(),
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.route(mux, "GET /v1/tenants", s.handleList)
	s.route(mux, "POST /v1/tenants/{id}", s.handleProvision)
	s.route(mux, "DELETE /v1/tenants/{id}", s.handleDestroy)
	s.route(mux, "GET /v1/tenants/{id}/status", s.handleStatus)
	s.route(mux, "GET /v1/tenants/{id}/pairing", s.handlePairing)
	s.route(mux, "GET /v1/tenants/{id}/pairing.png", s.handlePairingQR)
	s.route(mux, "POST /v1/tenants/{id}/messages", s.handleSend)
	s.route(mux, "GET /v1/tenants/{id}/conversations", s.handleConversations)
	s.route(mux, "POST /v1/tenants/{id}/restart", s.handleRestart)
	s.route(mux, "POST /v1/tenants/{id}/subscriptions", s.handleSubscribe)
	s.route(mux, "DELETE /v1/tenants/{id}/subscriptions/{sub}", s.handleUnsubscribe)
	s.route(mux, "GET /v1/tenants/{id}/events", s.handlePoll)
	s.route(mux, "GET /v1/tenants/{id}/ws", s.handleStream)

	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	readHeaderTimeout := s.config.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down. Open WebSocket streams are closed with
// their subscriptions when the registry shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

type healthResponse struct {
	Status       string         `json:"status"`
	Sessions     int            `json:"sessions"`
	Connectivity map[string]int `json:"connectivity"`
	Uptime       string         `json:"uptime"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for state, n := range s.registry.Counts() {
		counts[string(state)] = n
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Sessions:     s.registry.Len(),
		Connectivity: counts,
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
	})
}
