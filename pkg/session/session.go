// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mcgate/pkg/breaker"
	mgerrors "github.com/absmach/mcgate/pkg/errors"
	"github.com/absmach/mcgate/pkg/framer"
	"github.com/absmach/mcgate/pkg/handler"
	"github.com/absmach/mcgate/pkg/metrics"
	"github.com/absmach/mcgate/pkg/probe"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultReadBufferSize is the backend read buffer used when none is configured.
const DefaultReadBufferSize = 32 * 1024

// ErrNotOpen is returned when an operation needs a session that is not closing.
var ErrNotOpen = errors.New("session not open")

// State is the lifecycle state of a Session.
type State int32

const (
	// StateConnecting is the initial state: the backend dial is in flight and
	// client payloads are buffered.
	StateConnecting State = iota

	// StateDraining flushes buffered payloads to a freshly connected backend.
	StateDraining

	// StateRelaying forwards traffic in both directions without buffering.
	StateRelaying

	// StateClosing abandons pending writes and closes both sockets.
	StateClosing

	// StateClosed is terminal: both pumps exited and resources are released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateDraining:
		return "draining"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is the framed socket on the browser side of a session.
type Client interface {
	// ReadFrame blocks until the next complete frame arrives.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame.
	WriteFrame(frame []byte) error

	// Ping sends a liveness probe. It must be safe to call concurrently
	// with WriteFrame.
	Ping() error

	// SetPongHandler registers fn to run when a liveness response arrives.
	SetPongHandler(fn func())

	// Close sends code and reason when the transport allows it and releases
	// the socket. Calls after the first must be no-ops.
	Close(code int, reason string) error

	// RemoteAddr returns the client's network address.
	RemoteAddr() string
}

// DialFunc opens the backend connection of one session.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config holds the per-session configuration.
type Config struct {
	// ID identifies the session in logs. A UUID is generated when empty.
	ID string

	// Dial opens the backend connection. Required.
	Dial DialFunc

	// Codec translates between client frames and backend bytes.
	// Defaults to framer.Opcode.
	Codec framer.Codec

	// ReadBufferSize is the size of the backend read buffer.
	ReadBufferSize int

	// Handler receives lifecycle notifications. Defaults to handler.NoopHandler.
	Handler handler.Handler

	// HandlerContext is passed to Handler. Built from ID and the client
	// address when nil.
	HandlerContext *handler.Context

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for session events
	Logger *slog.Logger
}

// closeCause records the event that moved a session to StateClosing.
type closeCause struct {
	label  string // metrics label
	code   int    // close code sent to the client
	reason string // close reason sent to the client
	err    error
}

// Session relays one client socket to one backend socket.
type Session struct {
	id      string
	client  Client
	config  Config
	hctx    *handler.Context
	logger  *slog.Logger
	started time.Time

	mu      sync.Mutex
	state   State
	backend net.Conn
	pending [][]byte
	cause   closeCause

	alive       atomic.Bool
	backendOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a session in StateConnecting that owns client.
// Nothing happens until Run is called.
func New(client Client, cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Codec == nil {
		cfg.Codec = framer.Opcode{}
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hctx := cfg.HandlerContext
	if hctx == nil {
		hctx = &handler.Context{
			SessionID:   cfg.ID,
			RemoteAddr:  client.RemoteAddr(),
			ConnectedAt: time.Now(),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      cfg.ID,
		client:  client,
		config:  cfg,
		hctx:    hctx,
		logger:  cfg.Logger.With(slog.String("session", cfg.ID)),
		started: time.Now(),
		state:   StateConnecting,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.alive.Store(true)
	client.SetPongHandler(s.MarkAlive)

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the client's network address.
func (s *Session) RemoteAddr() string {
	return s.hctx.RemoteAddr
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Buffered returns the number of payloads waiting for the backend.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// MarkAlive records a liveness response from the client.
func (s *Session) MarkAlive() {
	s.alive.Store(true)
}

// ConsumeAlive reports whether the client answered since the previous call
// and clears the flag.
func (s *Session) ConsumeAlive() bool {
	return s.alive.Swap(false)
}

// Ping sends a liveness probe to the client.
func (s *Session) Ping() error {
	if s.State() >= StateClosing {
		return ErrNotOpen
	}
	return s.client.Ping()
}

// Close asks the session to close both sockets, sending code and reason to
// the client. It does not wait; use Done for that.
func (s *Session) Close(code int, reason string) {
	s.closeWith(closeCause{label: "shutdown", code: code, reason: reason})
}

// Terminate closes the session because the client stopped responding.
func (s *Session) Terminate(reason string) {
	s.closeWith(closeCause{label: "terminated", code: websocket.CloseGoingAway, reason: reason})
}

// Run relays traffic until both sockets are closed. Cancelling ctx closes
// the session with CloseGoingAway.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.Close(websocket.CloseGoingAway, "gateway shutting down")
	})
	defer stop()

	s.config.Metrics.SessionOpened()
	s.logger.Debug("session started",
		slog.String("client", s.hctx.RemoteAddr),
		slog.String("backend", s.hctx.Backend))

	if err := s.config.Handler.OnConnect(context.Background(), s.hctx); err != nil {
		s.logger.Error("connect handler error", slog.String("error", err.Error()))
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Upstream: client → backend
	go func() {
		defer wg.Done()
		s.readClient()
	}()

	// Downstream: backend → client
	go func() {
		defer wg.Done()
		s.runBackend()
	}()

	wg.Wait()
	s.finish()
}

func (s *Session) readClient() {
	for {
		frame, err := s.client.ReadFrame()
		if err != nil {
			s.closeWith(s.clientReadCause(err))
			return
		}
		s.forward(frame)
	}
}

// forward unwraps one client frame and buffers or writes it depending on state.
func (s *Session) forward(frame []byte) {
	payload, err := s.config.Codec.Unwrap(frame)
	if err != nil {
		s.violation(frame, err)
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateDraining:
		s.pending = append(s.pending, payload)
		s.mu.Unlock()
	case StateRelaying:
		backend := s.backend
		s.mu.Unlock()
		s.writeBackend(backend, payload)
	default:
		s.mu.Unlock()
		s.dropped(framer.Upstream)
	}
}

func (s *Session) violation(frame []byte, err error) {
	s.config.Metrics.Violation()
	s.logger.Warn("dropped malformed frame",
		slog.Int("size", len(frame)),
		slog.String("error", err.Error()))

	if herr := s.config.Handler.OnViolation(context.Background(), s.hctx, frame, err); herr != nil {
		s.logger.Error("violation handler error", slog.String("error", herr.Error()))
	}
}

func (s *Session) runBackend() {
	conn, err := s.config.Dial(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			// Closed while connecting; buffered data is never sent.
			return
		}
		kind := probe.Classify(err).String()
		if errors.Is(err, breaker.ErrCircuitOpen) {
			kind = "circuit open"
		}
		s.config.Metrics.DialError(kind)
		s.closeWith(closeCause{
			label:  "backend_unreachable",
			code:   websocket.CloseInternalServerErr,
			reason: "backend unreachable: " + kind,
			err:    s.wrap("dial backend", mgerrors.ErrTransport, err),
		})
		return
	}

	if !s.attach(conn) {
		return
	}
	if !s.drain(conn) {
		return
	}
	s.readBackend(conn)
}

// attach stores conn and enters StateDraining. It closes conn when the
// session already started closing.
func (s *Session) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		conn.Close()
		return false
	}
	s.backend = conn
	s.state = StateDraining
	return true
}

// drain flushes buffered payloads in FIFO order. Frames that arrive while
// flushing join the queue, and StateRelaying is entered only once the queue
// is empty under the lock, so later frames never overtake buffered ones.
func (s *Session) drain(conn net.Conn) bool {
	flushed := 0
	for {
		s.mu.Lock()
		if s.state != StateDraining {
			s.mu.Unlock()
			return false
		}
		if len(s.pending) == 0 {
			s.state = StateRelaying
			s.mu.Unlock()
			break
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, p := range batch {
			if !s.writeBackend(conn, p) {
				return false
			}
			flushed++
		}
	}

	s.config.Metrics.Flushed(flushed)
	s.logger.Debug("backend connected, relaying", slog.Int("flushed", flushed))

	if err := s.config.Handler.OnRelay(context.Background(), s.hctx, flushed); err != nil {
		s.logger.Error("relay handler error", slog.String("error", err.Error()))
	}
	return true
}

func (s *Session) readBackend(conn net.Conn) {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !s.writeClient(buf[:n]) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.closeWith(closeCause{
					label:  "backend_closed",
					code:   websocket.CloseNormalClosure,
					reason: "backend closed connection",
					err:    s.wrap("read backend", mgerrors.ErrPeerClosed, err),
				})
				return
			}
			s.closeWith(closeCause{
				label:  "backend_error",
				code:   websocket.CloseInternalServerErr,
				reason: "backend error: " + err.Error(),
				err:    s.wrap("read backend", mgerrors.ErrTransport, err),
			})
			return
		}
	}
}

func (s *Session) writeBackend(conn net.Conn, payload []byte) bool {
	if _, err := conn.Write(payload); err != nil {
		if s.State() >= StateClosing {
			s.dropped(framer.Upstream)
			return false
		}
		s.closeWith(closeCause{
			label:  "backend_error",
			code:   websocket.CloseInternalServerErr,
			reason: "backend write failed",
			err:    s.wrap("write backend", mgerrors.ErrTransport, err),
		})
		return false
	}
	s.config.Metrics.Relayed(framer.Upstream, len(payload))
	return true
}

func (s *Session) writeClient(payload []byte) bool {
	if s.State() >= StateClosing {
		s.dropped(framer.Downstream)
		return false
	}
	if err := s.client.WriteFrame(s.config.Codec.Wrap(payload)); err != nil {
		if s.State() >= StateClosing {
			s.dropped(framer.Downstream)
			return false
		}
		s.closeWith(closeCause{
			label:  "client_error",
			code:   websocket.CloseInternalServerErr,
			reason: "client write failed",
			err:    s.wrap("write client", mgerrors.ErrTransport, err),
		})
		return false
	}
	s.config.Metrics.Relayed(framer.Downstream, len(payload))
	return true
}

func (s *Session) dropped(dir framer.Direction) {
	s.config.Metrics.DroppedWrite(dir)
	s.logger.Debug("write dropped on closed socket", slog.String("direction", dir.String()))
}

func (s *Session) clientReadCause(err error) closeCause {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return closeCause{
			label:  "client_closed",
			code:   websocket.CloseNormalClosure,
			reason: fmt.Sprintf("client closed (%d)", ce.Code),
			err:    s.wrap("read client", mgerrors.ErrPeerClosed, err),
		}
	}
	return closeCause{
		label:  "client_error",
		code:   websocket.CloseInternalServerErr,
		reason: "client read failed",
		err:    s.wrap("read client", mgerrors.ErrTransport, err),
	}
}

// closeWith moves the session to StateClosing exactly once and closes
// both sockets. Later calls are no-ops.
func (s *Session) closeWith(c closeCause) {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateClosing
	s.cause = c
	s.pending = nil
	backend := s.backend
	s.mu.Unlock()

	s.cancel()

	attrs := []any{
		slog.String("from", from.String()),
		slog.String("cause", c.label),
		slog.String("reason", c.reason),
	}
	if c.err != nil {
		attrs = append(attrs, slog.String("error", c.err.Error()))
	}
	s.logger.Debug("session closing", attrs...)

	if err := s.client.Close(c.code, c.reason); err != nil {
		s.logger.Debug("client close error", slog.String("error", err.Error()))
	}
	if backend != nil {
		s.closeBackend(backend)
	}
}

func (s *Session) closeBackend(conn net.Conn) {
	s.backendOnce.Do(func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("backend close error", slog.String("error", err.Error()))
		}
	})
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateClosed
	s.pending = nil
	s.backend = nil
	cause := s.cause
	s.mu.Unlock()

	s.config.Metrics.SessionClosed(cause.label, s.started)

	if err := s.config.Handler.OnDisconnect(context.Background(), s.hctx, cause.reason); err != nil {
		s.logger.Error("disconnect handler error", slog.String("error", err.Error()))
	}

	s.logger.Debug("session closed",
		slog.String("cause", cause.label),
		slog.Duration("duration", time.Since(s.started)))
	close(s.done)
}

func (s *Session) wrap(op string, kind, err error) error {
	return mgerrors.New(op, s.id, s.hctx.RemoteAddr, fmt.Errorf("%w: %w", kind, err))
}
