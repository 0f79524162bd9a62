// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteWait is the write deadline used when none is configured.
const DefaultWriteWait = 10 * time.Second

// closeWait bounds how long Close waits to send its close frame. A write
// blocked on a client that stopped reading holds the connection until then.
const closeWait = time.Second

// maxReasonLen keeps a close reason inside the 125 byte control frame limit.
const maxReasonLen = 123

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("websocket closed")

// Conn is a message-oriented wrapper around a websocket.Conn.
// Every application message is read and written as one frame.
type Conn struct {
	ws        *websocket.Conn
	writeWait time.Duration

	wio       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New wraps a websocket.Conn.
func New(ws *websocket.Conn, writeWait time.Duration) *Conn {
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &Conn{
		ws:        ws,
		writeWait: writeWait,
	}
}

// ReadFrame returns the next text or binary message.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
			return p, nil
		}
	}
}

// WriteFrame writes frame as a single binary message.
func (c *Conn) WriteFrame(frame []byte) error {
	c.wio.Lock()
	defer c.wio.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Ping sends a protocol-level ping.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// SetPongHandler calls fn for every pong received. Pongs are only
// processed while ReadFrame is running.
func (c *Conn) SetPongHandler(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Close sends a close frame with code and reason, best effort, and closes
// the underlying connection, which fails any write still in flight. It
// returns within closeWait even when a write is blocked. Only the first call
// has any effect.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if len(reason) > maxReasonLen {
			reason = reason[:maxReasonLen]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		// The peer may already be gone or may have sent its own close frame.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(min(c.writeWait, closeWait)))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the client's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
