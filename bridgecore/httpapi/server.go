package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8787". Port 0 picks a free port.
	Addr string
	// Handler provides the API routes (required).
	Handler *Handler
	// ReadHeaderTimeout bounds header parsing. Defaults to 5s.
	ReadHeaderTimeout time.Duration
	// Logger receives lifecycle events. May be nil.
	Logger Logger
}

// Server wraps the HTTP server lifecycle.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   Logger
}

// NewServer creates a server and binds its listener immediately, so the
// chosen port is known before Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8787"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	// No WriteTimeout: result awaits block deliberately and the event
	// stream is long-lived.
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(cfg.Handler.Routes(), "modelbridge.http"),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return &Server{srv: srv, listener: listener, logger: cfg.Logger}, nil
}

// Start serves requests until Stop is called. It blocks.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("http_server_started", "addr", s.Addr())
	}
	if err := s.srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("http_server_stopping")
	}
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}
