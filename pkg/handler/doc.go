// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link relay sessions to application logic.
//
// # Data Flow
//
//	Upgrade request → Handler.Admit → Session (Connecting) → Handler.OnConnect
//	Backend connected, buffer flushed → Handler.OnRelay
//	Malformed client frame dropped → Handler.OnViolation
//	Both sockets closed → Handler.OnDisconnect
//
// # Admission
//
// Admit runs before the WebSocket upgrade and is the only hook that can
// change behavior: an error rejects the HTTP request. The gateway answers
// 429 for ratelimit.ErrRateLimitExceeded and 403 for any other error.
//
// # Notifications
//
// The On* methods observe session state transitions for audit logging or
// metrics. Their errors are logged and otherwise ignored; per-session
// failures never escape the session.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - RemoteAddr: Client's network address
//   - Backend: Backend address the session relays to
//   - Path: Request path of the upgrade
//   - ConnectedAt: Time the client socket was accepted
//
// # Example
//
//	type MyHandler struct {
//		handler.NoopHandler
//		blocked map[string]bool
//	}
//
//	func (h *MyHandler) Admit(ctx context.Context, hctx *handler.Context) error {
//		if h.blocked[hctx.RemoteAddr] {
//			return errors.New("blocked")
//		}
//		return nil
//	}
package handler
