// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newPair returns the server side of a websocket wrapped in a Conn and the
// raw client side.
func newPair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	conns := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		conns <- New(ws, time.Second)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close(websocket.CloseNormalClosure, "") })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("Server never upgraded")
	}
	return nil, nil
}

func TestConn_ReadWriteFrame(t *testing.T) {
	conn, client := newPair(t)

	if err := client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x0A}); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}

	tests := [][]byte{{0x01, 0x0A}, []byte("hi")}
	for _, want := range tests {
		got, err := conn.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Expected %x, got %x", want, got)
		}
	}

	if err := conn.WriteFrame([]byte{0x02, 0xFF}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	mt, p, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("Client read failed: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Errorf("Expected binary message, got type %d", mt)
	}
	if !bytes.Equal(p, []byte{0x02, 0xFF}) {
		t.Errorf("Expected 02ff, got %x", p)
	}
}

func TestConn_CloseSendsCode(t *testing.T) {
	conn, client := newPair(t)

	long := strings.Repeat("x", 200)
	if err := conn.Close(websocket.CloseGoingAway, long); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected close error, got %v", err)
	}
	if ce.Code != websocket.CloseGoingAway {
		t.Errorf("Expected code %d, got %d", websocket.CloseGoingAway, ce.Code)
	}
	if len(ce.Text) != maxReasonLen {
		t.Errorf("Expected reason truncated to %d bytes, got %d", maxReasonLen, len(ce.Text))
	}

	if err := conn.WriteFrame([]byte{0x02}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}

	// Second close is a no-op.
	conn.Close(websocket.CloseInternalServerErr, "again")
}

func TestConn_PingPong(t *testing.T) {
	conn, client := newPair(t)

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func() {
		select {
		case pongs <- struct{}{}:
		default:
		}
	})

	// Pongs are handled by the reader on both ends.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
		}
	}()

	if err := conn.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("Pong handler never ran")
	}
}

func TestConn_RemoteAddr(t *testing.T) {
	conn, client := newPair(t)

	if got, want := conn.RemoteAddr(), client.LocalAddr().String(); got != want {
		t.Errorf("Expected remote address %s, got %s", want, got)
	}
}
