// Package gateway exposes the agent runtime over HTTP: an SSE endpoint
// for one-shot run streams, a websocket endpoint for long-lived sessions,
// and the Prometheus scrape handler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/pubsub"
)

// Config configures the gateway server.
type Config struct {
	Host string
	Port int

	// JWTSecret enables bearer auth on the /v1 routes when non-empty.
	JWTSecret string

	// TokenExpiry bounds issued tokens; zero means no expiry claim.
	TokenExpiry time.Duration

	// ReadHeaderTimeout defaults to 5s.
	ReadHeaderTimeout time.Duration
}

// Server routes transport requests into the agent manager and fans run
// events back out from the publisher.
type Server struct {
	config    Config
	manager   *agent.Manager
	publisher *pubsub.Publisher
	metrics   *observability.Metrics
	registry  prometheus.Gatherer
	auth      *JWTService
	logger    *slog.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer wires the transport layer. metrics and registry may be nil;
// registry nil falls back to the default gatherer.
func NewServer(cfg Config, manager *agent.Manager, publisher *pubsub.Publisher, metrics *observability.Metrics, registry prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	s := &Server{
		config:    cfg,
		manager:   manager,
		publisher: publisher,
		metrics:   metrics,
		registry:  registry,
		logger:    logger,
	}
	if cfg.JWTSecret != "" {
		s.auth = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.Handle("/v1/threads/stream", s.requireAuth(http.HandlerFunc(s.handleThreadStream)))
	mux.Handle("/v1/sessions/ws", s.requireAuth(http.HandlerFunc(s.handleSessionWS)))

	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.httpListener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
