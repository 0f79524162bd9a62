// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mcgate/pkg/breaker"
	mgerrors "github.com/absmach/mcgate/pkg/errors"
	"github.com/absmach/mcgate/pkg/framer"
	"github.com/absmach/mcgate/pkg/handler"
	"github.com/absmach/mcgate/pkg/health"
	"github.com/absmach/mcgate/pkg/heartbeat"
	"github.com/absmach/mcgate/pkg/metrics"
	"github.com/absmach/mcgate/pkg/probe"
	"github.com/absmach/mcgate/pkg/ratelimit"
	"github.com/absmach/mcgate/pkg/session"
	"github.com/absmach/mcgate/pkg/wsconn"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultDrainTimeout bounds how long Shutdown waits for sessions.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultDialTimeout bounds each per-session backend dial.
	DefaultDialTimeout = 10 * time.Second

	shutdownReason = "gateway shutting down"
)

var (
	// ErrAlreadyStarted is returned by Start on a server that was started before.
	ErrAlreadyStarted = errors.New("gateway already started")

	// ErrServerClosed is returned by Start after Shutdown.
	ErrServerClosed = errors.New("gateway shut down")
)

// Config holds the gateway configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Backend is the game server address (host:port)
	Backend string

	// Codec translates client frames. Defaults to framer.Opcode.
	Codec framer.Codec

	// ProbeTimeout bounds the startup reachability check.
	ProbeTimeout time.Duration

	// DialTimeout bounds each per-session backend dial.
	DialTimeout time.Duration

	// HeartbeatInterval is the ping sweep period.
	HeartbeatInterval time.Duration

	// DrainTimeout is the maximum time Listen waits for sessions to close
	// during graceful shutdown. Remaining sessions are then terminated.
	DrainTimeout time.Duration

	// WriteTimeout is the deadline for each client write.
	WriteTimeout time.Duration

	// ReadBufferSize is the backend read buffer of each session.
	ReadBufferSize int

	// MaxMessageSize limits client frames. 0 means unlimited.
	MaxMessageSize int64

	// MaxSessions limits concurrent sessions. 0 means unlimited.
	MaxSessions int

	// Breaker guards backend dials when set.
	Breaker *breaker.CircuitBreaker

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts WebSocket clients and relays each one to its own backend
// TCP connection.
type Server struct {
	config   Config
	handler  handler.Handler
	logger   *slog.Logger
	registry *session.Registry
	monitor  *heartbeat.Monitor
	upgrader websocket.Upgrader
	liveness http.Handler

	mu         sync.Mutex
	started    bool
	listener   net.Listener
	httpServer *http.Server
	hbCancel   context.CancelFunc
	serveErr   chan error

	closing      atomic.Bool
	connCtx      context.Context
	connCancel   context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a gateway. A nil handler admits every client.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Codec == nil {
		cfg.Codec = framer.Opcode{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	registry := session.NewRegistry(cfg.Logger, cfg.MaxSessions)
	connCtx, connCancel := context.WithCancel(context.Background())

	return &Server{
		config:   cfg,
		handler:  h,
		logger:   cfg.Logger,
		registry: registry,
		monitor: heartbeat.New(registry, heartbeat.Config{
			Interval: cfg.HeartbeatInterval,
			Metrics:  cfg.Metrics,
			Logger:   cfg.Logger,
		}),
		upgrader: websocket.Upgrader{
			// Game clients are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		liveness:   health.LivenessHandler(),
		serveErr:   make(chan error, 1),
		connCtx:    connCtx,
		connCancel: connCancel,
	}
}

// Registry returns the live-session set.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start verifies the backend is reachable, binds the listen address and
// serves in the background. Nothing is bound when the probe fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() {
		return ErrServerClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	if err := probe.Check(ctx, s.config.Backend, s.config.ProbeTimeout); err != nil {
		s.logger.Error("backend probe failed",
			slog.String("backend", s.config.Backend),
			slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("backend reachable", slog.String("backend", s.config.Backend))

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("%w: failed to listen on %s: %w", mgerrors.ErrBind, s.config.Address, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	s.started = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
	}()

	hbCtx, hbCancel := context.WithCancel(context.Background())
	s.hbCancel = hbCancel
	go s.monitor.Run(hbCtx)

	s.logger.Info("gateway started",
		slog.String("address", ln.Addr().String()),
		slog.String("backend", s.config.Backend))

	return nil
}

// Listen starts the gateway and blocks until ctx is cancelled, then shuts it
// down. A drain that had to force-close sessions is logged, not returned.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, closing gateway")
	case serveErr = <-s.serveErr:
		s.logger.Error("gateway server failed", slog.String("error", serveErr.Error()))
	}

	err := s.Shutdown(s.config.DrainTimeout)
	if errors.Is(err, mgerrors.ErrShutdownTimeout) {
		s.logger.Warn("sessions force-closed after drain timeout",
			slog.Duration("timeout", s.config.DrainTimeout))
		err = nil
	}
	if serveErr != nil {
		return serveErr
	}
	return err
}

// Shutdown stops accepting, asks every session to close with 1001 and waits
// up to drainTimeout for them. Remaining sessions are terminated and
// ErrShutdownTimeout is returned. Only the first call does any work.
func (s *Server) Shutdown(drainTimeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(drainTimeout)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(drainTimeout time.Duration) error {
	s.mu.Lock()
	s.closing.Store(true)
	started, srv, hbCancel := s.started, s.httpServer, s.hbCancel
	s.mu.Unlock()
	defer s.connCancel()

	if !started {
		return nil
	}
	if drainTimeout <= 0 {
		drainTimeout = s.config.DrainTimeout
	}
	deadline := time.Now().Add(drainTimeout)

	// Upgraded connections are hijacked, so this only closes the listener
	// and idle HTTP connections.
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	hbCancel()

	s.registry.CloseAll(websocket.CloseGoingAway, shutdownReason)
	if err := s.registry.DrainAll(time.Until(deadline)); err != nil {
		return err
	}

	s.logger.Info("gateway shutdown complete")
	return nil
}

// ServeHTTP upgrades WebSocket requests on any path into relay sessions.
// Plain GET /health is answered with 200 OK; anything else is 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if r.URL.Path == "/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			s.liveness.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	if s.closing.Load() {
		s.reject(w, r, http.StatusServiceUnavailable, "shutdown", shutdownReason)
		return
	}
	if s.registry.Full() {
		s.reject(w, r, http.StatusServiceUnavailable, "capacity", "gateway at capacity")
		return
	}

	hctx := &handler.Context{
		SessionID:   uuid.NewString(),
		RemoteAddr:  r.RemoteAddr,
		Backend:     s.config.Backend,
		Path:        r.URL.Path,
		ConnectedAt: time.Now(),
	}

	if err := s.handler.Admit(r.Context(), hctx); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			s.reject(w, r, http.StatusTooManyRequests, "rate_limited", err.Error())
			return
		}
		s.reject(w, r, http.StatusForbidden, "denied", err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		s.config.Metrics.Rejected("upgrade_failed")
		s.logger.Debug("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	if s.config.MaxMessageSize > 0 {
		ws.SetReadLimit(s.config.MaxMessageSize)
	}

	client := wsconn.New(ws, s.config.WriteTimeout)
	sess := session.New(client, session.Config{
		ID:             hctx.SessionID,
		Dial:           s.dial,
		Codec:          s.config.Codec,
		ReadBufferSize: s.config.ReadBufferSize,
		Handler:        s.handler,
		HandlerContext: hctx,
		Metrics:        s.config.Metrics,
		Logger:         s.logger,
	})

	if err := s.registry.Add(sess); err != nil {
		s.config.Metrics.Rejected("capacity")
		s.logger.Warn("session rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		client.Close(websocket.CloseTryAgainLater, "gateway at capacity")
		return
	}
	defer s.registry.Remove(sess.ID())

	sess.Run(s.connCtx)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, reason, msg string) {
	s.config.Metrics.Rejected(reason)
	s.logger.Debug("upgrade rejected",
		slog.String("remote", r.RemoteAddr),
		slog.String("reason", reason),
		slog.String("error", msg))
	http.Error(w, msg, status)
}

// dial opens the backend connection of one session.
func (s *Server) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.config.DialTimeout}
	dial := func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", s.config.Backend)
	}
	if s.config.Breaker == nil {
		return dial(ctx)
	}
	return s.config.Breaker.Dial(ctx, dial)
}
