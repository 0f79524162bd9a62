// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-connection relay between a framed
// client socket and a raw TCP backend socket.
//
// # Architecture
//
//	┌─────────┐            ┌─────────┐            ┌─────────┐
//	│ Client  │ ←─frames─→ │ Session │ ←─bytes──→ │ Backend │
//	└─────────┘            └─────────┘            └─────────┘
//	                            ↓
//	                       ┌─────────┐
//	                       │ Framer  │
//	                       └─────────┘
//
// # State Machine
//
//	Connecting ──dial ok──→ Draining ──queue empty──→ Relaying
//	    │                      │                         │
//	    └──────────────────────┴──error / close──────────┴──→ Closing ──→ Closed
//
//   - Connecting: the backend dial is in flight. Client frames are unwrapped
//     and queued.
//   - Draining: queued payloads are written to the backend in FIFO order.
//     Frames arriving meanwhile join the queue.
//   - Relaying: frames are unwrapped and written to the backend immediately;
//     backend bytes are wrapped and written to the client immediately.
//   - Closing: entered once. The dial is cancelled, queued data discarded,
//     both sockets closed.
//   - Closed: both pumps exited, Handler.OnDisconnect called, Done closed.
//
// # Goroutines
//
// Run starts two goroutines and blocks until both exit:
//
//	Upstream:   ReadFrame → Unwrap → queue or backend.Write
//	Downstream: Dial → drain → backend.Read → Wrap → WriteFrame
//
// Closing either socket unblocks the goroutine reading from it, so teardown
// needs no extra signalling.
//
// # Close Codes
//
//   - Backend EOF: 1000 "backend closed connection"
//   - Backend read/write error or dial failure: 1011 with a reason
//   - Close (gateway shutdown): the caller's code, normally 1001
//   - Terminate (heartbeat timeout, forced drain): 1001
//
// # Registry
//
// Registry is the live-session set. The gateway adds sessions on accept and
// removes them when Run returns; the heartbeat monitor removes sessions it
// terminates. DrainAll waits for the set to empty and force-closes the rest
// after a deadline, returning errors.ErrShutdownTimeout.
package session
