// Package server exposes a session registry over HTTP.
//
// Form hosts connect to GET /ws; every accepted socket becomes a transport
// channel bound to the shared registry through an inspector bridge. The
// /api routes let tooling list sessions, travel through history, restore
// snapshots and export histories without holding a socket.
//
//	reg, _ := registry.New(nil)
//	srv, _ := server.New(reg, cfg, server.WithStore(store), server.WithMetrics(promReg))
//	srv.Run(ctx)
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/binaryjack/formular-dev-tools/pkg/export"
	"github.com/binaryjack/formular-dev-tools/pkg/inspector"
	"github.com/binaryjack/formular-dev-tools/pkg/middleware"
	"github.com/binaryjack/formular-dev-tools/pkg/registry"
	"github.com/binaryjack/formular-dev-tools/pkg/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.With("component", "server")
		}
	}
}

// WithStore enables POST /api/sessions/{id}/export.
func WithStore(store export.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithMetrics registers HTTP metrics on reg and serves it on /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.promReg = reg
	}
}

// WithBridgeOptions passes options to every bridge the server creates.
func WithBridgeOptions(opts ...inspector.Option) Option {
	return func(s *Server) {
		s.bridgeOpts = append(s.bridgeOpts, opts...)
	}
}

// WithTracing passes options to the HTTP tracing middleware.
func WithTracing(opts ...middleware.TracingOption) Option {
	return func(s *Server) {
		s.tracingOpts = append(s.tracingOpts, opts...)
	}
}

// Server is the inspector endpoint.
type Server struct {
	cfg         Config
	reg         *registry.Registry
	store       export.Store
	promReg     *prometheus.Registry
	logger      *slog.Logger
	bridgeOpts  []inspector.Option
	tracingOpts []middleware.TracingOption
	upgrader    *websocket.Upgrader
	router      chi.Router

	// ctx ends every bridge on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	bridges    map[*inspector.Bridge]struct{}
	httpServer *http.Server
	closed     bool
	wg         sync.WaitGroup
}

// New creates a server for reg.
func New(reg *registry.Registry, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		reg:      reg,
		logger:   slog.Default().With("component", "server"),
		upgrader: transport.NewUpgrader(cfg.AllowedOrigin),
		bridges:  make(map[*inspector.Bridge]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Tracing(s.tracingOpts...))
	if s.promReg != nil {
		r.Use(middleware.Metrics(middleware.WithRegistry(s.promReg)))
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{Registry: s.promReg}))
	}

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.forgetSession)
			r.Get("/history", s.getHistory)
			r.Get("/diff", s.getDiff)
			r.Post("/seek", s.seek)
			r.Post("/restore", s.restore)
			r.Post("/requests", s.request)
			r.Post("/export", s.exportHistory)
		})
	})
	return r
}

// Handler returns the HTTP handler, for mounting or httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Registry returns the registry the server feeds.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(s.upgrader, w, r)
	if err != nil {
		// The upgrader has already written the response.
		s.logger.Warn("websocket upgrade refused", "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	ch, err := transport.NewChannel(conn, transport.ChannelConfig{
		ExpectedOrigin: s.cfg.AllowedOrigin,
		SendBuffer:     s.cfg.SendBuffer,
		Logger:         s.logger,
	})
	if err != nil {
		conn.Close()
		s.logger.Error("channel setup failed", "error", err)
		return
	}

	opts := append([]inspector.Option{inspector.WithLogger(s.logger)}, s.bridgeOpts...)
	b := inspector.New(s.reg, ch, opts...)
	if !s.track(b) {
		b.Close()
		return
	}
	defer s.untrack(b)

	s.logger.Info("host connected", "origin", conn.Origin(), "remote", r.RemoteAddr)
	if err := b.Run(s.ctx); err != nil {
		s.logger.Debug("host connection ended", "origin", conn.Origin(), "error", err)
	}
	b.Close()
	s.logger.Info("host disconnected", "origin", conn.Origin())
}

func (s *Server) track(b *inspector.Bridge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.bridges[b] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(b *inspector.Bridge) {
	s.mu.Lock()
	delete(s.bridges, b)
	s.mu.Unlock()
	s.wg.Done()
}

// Run listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", ln.Addr().String(), "origin", s.cfg.AllowedOrigin)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every socket and stops the HTTP server. The registry
// is left to its owner.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	bridges := make([]*inspector.Bridge, 0, len(s.bridges))
	for b := range s.bridges {
		bridges = append(bridges, b)
	}
	s.mu.Unlock()

	s.cancel()
	for _, b := range bridges {
		b.Close()
	}

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.logger.Info("server shutdown complete")
	return err
}
