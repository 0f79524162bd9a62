// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsconn adapts gorilla/websocket connections to the client socket
// used by relay sessions.
//
// # Read/Write Behavior
//
//   - ReadFrame(): Returns the next complete text or binary message
//   - WriteFrame(): Writes one binary message under a write deadline
//   - Ping(): Sends a ping control frame, safe to call concurrently
//   - Close(): Sends a close frame with code and reason, then closes the
//     socket. Repeated calls are no-ops.
//
// Writes are serialized with a mutex because gorilla/websocket allows only
// one concurrent writer. Control frames use WriteControl, which may run
// concurrently with other methods.
package wsconn
