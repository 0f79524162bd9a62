// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Context contains session metadata.
// It is passed to Handler methods so hooks can correlate events.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Backend is the backend address the session relays to
	Backend string

	// Path is the request path of the WebSocket upgrade
	Path string

	// ConnectedAt is when the client socket was accepted
	ConnectedAt time.Time
}

// Handler defines admission and notification callbacks for session events.
//
// Admit is called BEFORE the WebSocket upgrade. Returning an error rejects
// the request and no session is created.
//
// Notification methods (OnConnect, OnRelay, OnViolation, OnDisconnect) are
// called as the session moves through its states. Errors from these methods
// are logged but never change the session's behavior.
type Handler interface {
	// Admit decides whether an upgrade request may become a session.
	Admit(ctx context.Context, hctx *Context) error

	// OnConnect is called once the client socket is upgraded and the
	// session is registered, before the backend dial completes.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnRelay is called after the backend connected and buffered payloads
	// were flushed. buffered is the number of payloads that were queued.
	OnRelay(ctx context.Context, hctx *Context, buffered int) error

	// OnViolation is called for every client frame dropped as malformed.
	OnViolation(ctx context.Context, hctx *Context, frame []byte, err error) error

	// OnDisconnect is called once the session is fully closed.
	// reason describes the event that started teardown.
	OnDisconnect(ctx context.Context, hctx *Context, reason string) error
}

// NoopHandler is a Handler implementation that admits every session.
// Useful for testing or when no hooks are needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) Admit(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnRelay(ctx context.Context, hctx *Context, buffered int) error {
	return nil
}

func (h *NoopHandler) OnViolation(ctx context.Context, hctx *Context, frame []byte, err error) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, reason string) error {
	return nil
}
