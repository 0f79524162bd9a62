// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/absmach/mcgate/pkg/breaker"
	"github.com/absmach/mcgate/pkg/framer"
	"github.com/absmach/mcgate/pkg/handler"
	"github.com/gorilla/websocket"
)

type fakeClient struct {
	frames      chan []byte
	remoteClose chan error
	closed      chan struct{}
	written     chan []byte

	mu          sync.Mutex
	closeOnce   sync.Once
	closeCalls  int
	closeCode   int
	closeReason string
	pings       int
	pong        func()
	autoPong    bool
	writeErr    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		frames:      make(chan []byte, 64),
		remoteClose: make(chan error, 1),
		closed:      make(chan struct{}),
		written:     make(chan []byte, 64),
	}
}

func (c *fakeClient) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.remoteClose:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeClient) WriteFrame(frame []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.written <- append([]byte(nil), frame...)
	return nil
}

func (c *fakeClient) Ping() error {
	c.mu.Lock()
	c.pings++
	pong, auto := c.pong, c.autoPong
	c.mu.Unlock()
	if auto && pong != nil {
		pong()
	}
	return nil
}

func (c *fakeClient) SetPongHandler(fn func()) {
	c.mu.Lock()
	c.pong = fn
	c.mu.Unlock()
}

func (c *fakeClient) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeClient) RemoteAddr() string {
	return "192.0.2.1:50000"
}

func (c *fakeClient) send(frame ...byte) {
	c.frames <- frame
}

func (c *fakeClient) closeInfo() (calls, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls, c.closeCode, c.closeReason
}

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type recordingHandler struct {
	handler.NoopHandler
	mu         sync.Mutex
	connects   int
	relays     []int
	violations int
	reasons    []string
}

func (h *recordingHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	return nil
}

func (h *recordingHandler) OnRelay(ctx context.Context, hctx *handler.Context, buffered int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relays = append(h.relays, buffered)
	return nil
}

func (h *recordingHandler) OnViolation(ctx context.Context, hctx *handler.Context, frame []byte, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.violations++
	return errors.New("handler errors are only logged")
}

func (h *recordingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// gatedDial returns conn once gate is closed, or fails when ctx is done.
func gatedDial(gate <-chan struct{}, conn net.Conn) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		select {
		case <-gate:
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Session did not close, state %s", s.State())
	}
}

type fixture struct {
	client  *fakeClient
	backend *countingConn
	peer    net.Conn
	gate    chan struct{}
	handler *recordingHandler
	session *Session
}

func newFixture(t *testing.T, codec framer.Codec) *fixture {
	t.Helper()
	server, peer := net.Pipe()
	f := &fixture{
		client:  newFakeClient(),
		backend: &countingConn{Conn: server},
		peer:    peer,
		gate:    make(chan struct{}),
		handler: &recordingHandler{},
	}
	f.session = New(f.client, Config{
		Dial:    gatedDial(f.gate, f.backend),
		Codec:   codec,
		Handler: f.handler,
		Logger:  testLogger(),
	})
	t.Cleanup(func() {
		peer.Close()
		f.session.Close(websocket.CloseNormalClosure, "test done")
	})
	return f
}

func (f *fixture) start() {
	go f.session.Run(context.Background())
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	close(f.gate)
}

func (f *fixture) relaying(t *testing.T) {
	t.Helper()
	f.start()
	f.connect(t)
	waitFor(t, "relaying", func() bool { return f.session.State() == StateRelaying })
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read %d bytes from backend: %v", n, err)
	}
	return buf
}

func expectNoMore(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n > 0 {
		t.Fatalf("Unexpected extra backend bytes: %x", buf[:n])
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}

func TestSession_FrameBufferedUntilConnect(t *testing.T) {
	f := newFixture(t, nil)
	f.start()

	f.client.send(0x01, 0x0A, 0x0B)
	waitFor(t, "buffered frame", func() bool { return f.session.Buffered() == 1 })

	if state := f.session.State(); state != StateConnecting {
		t.Fatalf("Expected connecting, got %s", state)
	}

	f.connect(t)

	got := readN(t, f.peer, 2)
	if !bytes.Equal(got, []byte{0x0A, 0x0B}) {
		t.Errorf("Expected backend to receive 0a0b, got %x", got)
	}
	expectNoMore(t, f.peer)

	waitFor(t, "relaying", func() bool { return f.session.State() == StateRelaying })
	if f.session.Buffered() != 0 {
		t.Errorf("Expected empty buffer after flush, got %d", f.session.Buffered())
	}
}

func TestSession_FlushPreservesOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.start()

	const n = 5
	for i := 0; i < n; i++ {
		f.client.send(0x01, byte(i), byte(i))
	}
	waitFor(t, "buffered frames", func() bool { return f.session.Buffered() == n })

	f.connect(t)
	// Sent right after connect, possibly while the buffer is being flushed.
	f.client.send(0x01, 0xAA)
	f.client.send(0x01, 0xBB)

	want := []byte{0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 0xAA, 0xBB}
	got := readN(t, f.peer, len(want))
	if !bytes.Equal(got, want) {
		t.Errorf("Expected backend stream %x, got %x", want, got)
	}

	waitFor(t, "relay notification", func() bool {
		f.handler.mu.Lock()
		defer f.handler.mu.Unlock()
		return len(f.handler.relays) == 1
	})
	f.handler.mu.Lock()
	flushed := f.handler.relays[0]
	f.handler.mu.Unlock()
	if flushed < n {
		t.Errorf("Expected at least %d flushed payloads, got %d", n, flushed)
	}
}

func TestSession_BackendToClient(t *testing.T) {
	f := newFixture(t, nil)
	f.relaying(t)

	if _, err := f.peer.Write([]byte{0xFF, 0x00}); err != nil {
		t.Fatalf("Backend write failed: %v", err)
	}

	select {
	case frame := <-f.client.written:
		if !bytes.Equal(frame, []byte{0x02, 0xFF, 0x00}) {
			t.Errorf("Expected client frame 02ff00, got %x", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Client never received the backend bytes")
	}
}

func TestSession_ClientToBackendWhileRelaying(t *testing.T) {
	f := newFixture(t, nil)
	f.relaying(t)

	f.client.send(0x01, 0x10, 0x20, 0x30)

	got := readN(t, f.peer, 3)
	if !bytes.Equal(got, []byte{0x10, 0x20, 0x30}) {
		t.Errorf("Expected 102030, got %x", got)
	}
}

func TestSession_MalformedFramesDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.relaying(t)

	f.client.send()
	f.client.send(0x02, 0x01)
	f.client.send(0x7F)
	f.client.send(0x01, 0x42)

	got := readN(t, f.peer, 1)
	if got[0] != 0x42 {
		t.Errorf("Expected 0x42, got %x", got)
	}
	expectNoMore(t, f.peer)

	if state := f.session.State(); state != StateRelaying {
		t.Errorf("Expected session to keep relaying, got %s", state)
	}

	f.handler.mu.Lock()
	defer f.handler.mu.Unlock()
	if f.handler.violations != 3 {
		t.Errorf("Expected 3 violations, got %d", f.handler.violations)
	}
}

func TestSession_MalformedFrameWhileConnecting(t *testing.T) {
	f := newFixture(t, nil)
	f.start()

	f.client.send(0x09, 0x01)
	f.client.send(0x01, 0x01)
	waitFor(t, "buffered frame", func() bool { return f.session.Buffered() == 1 })

	f.connect(t)
	got := readN(t, f.peer, 1)
	if got[0] != 0x01 {
		t.Errorf("Expected 0x01, got %x", got)
	}
}

func TestSession_ClientCloseClosesBackendOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.relaying(t)

	f.client.remoteClose <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	waitDone(t, f.session)

	if got := f.backend.closes.Load(); got != 1 {
		t.Errorf("Expected backend closed once, got %d", got)
	}

	// Duplicate close events must be no-ops.
	f.session.Close(websocket.CloseGoingAway, "again")
	f.session.Terminate("again")

	if got := f.backend.closes.Load(); got != 1 {
		t.Errorf("Expected backend still closed once, got %d", got)
	}
	if calls, _, _ := f.client.closeInfo(); calls != 1 {
		t.Errorf("Expected one client close attempt, got %d", calls)
	}
	if state := f.session.State(); state != StateClosed {
		t.Errorf("Expected closed, got %s", state)
	}

	f.handler.mu.Lock()
	defer f.handler.mu.Unlock()
	if len(f.handler.reasons) != 1 {
		t.Fatalf("Expected one disconnect notification, got %d", len(f.handler.reasons))
	}
}

func TestSession_BackendEOFClosesClientNormally(t *testing.T) {
	f := newFixture(t, nil)
	f.relaying(t)

	f.peer.Close()
	waitDone(t, f.session)

	_, code, reason := f.client.closeInfo()
	if code != websocket.CloseNormalClosure {
		t.Errorf("Expected close code %d, got %d", websocket.CloseNormalClosure, code)
	}
	if reason != "backend closed connection" {
		t.Errorf("Unexpected close reason %q", reason)
	}
	if got := f.backend.closes.Load(); got != 1 {
		t.Errorf("Expected backend closed once, got %d", got)
	}
}

func TestSession_DialFailure(t *testing.T) {
	client := newFakeClient()
	h := &recordingHandler{}
	s := New(client, Config{
		Dial: func(ctx context.Context) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connect: %w", syscall.ECONNREFUSED)}
		},
		Handler: h,
		Logger:  testLogger(),
	})

	client.send(0x01, 0x01)
	go s.Run(context.Background())
	waitDone(t, s)

	_, code, reason := client.closeInfo()
	if code != websocket.CloseInternalServerErr {
		t.Errorf("Expected close code %d, got %d", websocket.CloseInternalServerErr, code)
	}
	if reason != "backend unreachable: connection refused" {
		t.Errorf("Unexpected close reason %q", reason)
	}
	if s.Buffered() != 0 {
		t.Errorf("Expected buffer discarded, got %d", s.Buffered())
	}
}

func TestSession_CloseWhileConnecting(t *testing.T) {
	f := newFixture(t, nil)
	f.start()

	f.client.send(0x01, 0x01)
	f.client.send(0x01, 0x02)
	waitFor(t, "buffered frames", func() bool { return f.session.Buffered() == 2 })

	f.session.Close(websocket.CloseGoingAway, "gateway shutting down")
	waitDone(t, f.session)

	if f.session.Buffered() != 0 {
		t.Errorf("Expected buffer discarded, got %d", f.session.Buffered())
	}
	if got := f.backend.closes.Load(); got != 0 {
		t.Errorf("Expected backend never opened, got %d closes", got)
	}
	_, code, _ := f.client.closeInfo()
	if code != websocket.CloseGoingAway {
		t.Errorf("Expected close code %d, got %d", websocket.CloseGoingAway, code)
	}

	// A backend that connects after closing must be released, not used.
	late := &countingConn{Conn: f.backend.Conn}
	if f.session.attach(late) {
		t.Error("Expected attach to fail after close")
	}
	if late.closes.Load() != 1 {
		t.Error("Expected late backend to be closed")
	}
}

func TestSession_RunContextCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go f.session.Run(ctx)
	f.connect(t)
	waitFor(t, "relaying", func() bool { return f.session.State() == StateRelaying })

	cancel()
	waitDone(t, f.session)

	_, code, reason := f.client.closeInfo()
	if code != websocket.CloseGoingAway || reason != "gateway shutting down" {
		t.Errorf("Unexpected close %d %q", code, reason)
	}
}

func TestSession_ClientWriteFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.relaying(t)

	f.client.mu.Lock()
	f.client.writeErr = errors.New("broken pipe")
	f.client.mu.Unlock()

	f.peer.Write([]byte{0x01})
	waitDone(t, f.session)

	_, code, _ := f.client.closeInfo()
	if code != websocket.CloseInternalServerErr {
		t.Errorf("Expected close code %d, got %d", websocket.CloseInternalServerErr, code)
	}
	if got := f.backend.closes.Load(); got != 1 {
		t.Errorf("Expected backend closed once, got %d", got)
	}
}

func TestSession_RawCodec(t *testing.T) {
	f := newFixture(t, framer.Raw{})
	f.relaying(t)

	f.client.send(0x05, 0x06)
	got := readN(t, f.peer, 2)
	if !bytes.Equal(got, []byte{0x05, 0x06}) {
		t.Errorf("Expected raw passthrough, got %x", got)
	}

	f.peer.Write([]byte{0x07})
	select {
	case frame := <-f.client.written:
		if !bytes.Equal(frame, []byte{0x07}) {
			t.Errorf("Expected raw frame 07, got %x", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Client never received the backend bytes")
	}
}

func TestSession_Liveness(t *testing.T) {
	client := newFakeClient()
	s := New(client, Config{
		Dial: func(ctx context.Context) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Logger: testLogger(),
	})

	if !s.ConsumeAlive() {
		t.Error("Expected new session to be alive")
	}
	if s.ConsumeAlive() {
		t.Error("Expected alive flag to be cleared")
	}

	client.autoPong = true
	if err := s.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if !s.ConsumeAlive() {
		t.Error("Expected pong to mark the session alive")
	}

	s.Terminate("heartbeat timeout")
	if err := s.Ping(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen after terminate, got %v", err)
	}
	_, code, reason := client.closeInfo()
	if code != websocket.CloseGoingAway || reason != "heartbeat timeout" {
		t.Errorf("Unexpected close %d %q", code, reason)
	}
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		StateConnecting: "connecting",
		StateDraining:   "draining",
		StateRelaying:   "relaying",
		StateClosing:    "closing",
		StateClosed:     "closed",
		State(42):       "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("Expected %s, got %s", want, s)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(newFakeClient(), Config{Dial: gatedDial(nil, nil)})

	if s.ID() == "" {
		t.Error("Expected generated session ID")
	}
	if s.config.Codec == nil || s.config.Handler == nil || s.config.Logger == nil {
		t.Error("Expected defaults to be set")
	}
	if s.config.ReadBufferSize != DefaultReadBufferSize {
		t.Errorf("Expected read buffer %d, got %d", DefaultReadBufferSize, s.config.ReadBufferSize)
	}
	if s.RemoteAddr() != "192.0.2.1:50000" {
		t.Errorf("Unexpected remote address %s", s.RemoteAddr())
	}
	if s.State() != StateConnecting {
		t.Errorf("Expected connecting, got %s", s.State())
	}
}

func TestSession_CircuitOpen(t *testing.T) {
	client := newFakeClient()
	s := New(client, Config{
		Dial: func(ctx context.Context) (net.Conn, error) {
			return nil, breaker.ErrCircuitOpen
		},
		Logger: testLogger(),
	})

	go s.Run(context.Background())
	waitDone(t, s)

	_, code, reason := client.closeInfo()
	if code != websocket.CloseInternalServerErr {
		t.Errorf("Expected close code %d, got %d", websocket.CloseInternalServerErr, code)
	}
	if reason != "backend unreachable: circuit open" {
		t.Errorf("Unexpected close reason %q", reason)
	}
}
