// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package framer converts between client WebSocket frames and raw backend bytes.
//
// # Wire Format
//
// Every client message is one WebSocket message whose first byte is an opcode:
//
//	0x01 | payload   client → server game data
//	0x02 | payload   server → client game data
//
// The payload is the raw backend protocol stream and is never interpreted.
//
// # Codecs
//
//   - Opcode: the default codec. Unwrap accepts only 0x01 frames and strips
//     the opcode. Wrap prepends 0x02 and never fails.
//   - Raw: identity codec for deployments whose clients send unframed bytes.
//
// # Protocol Violations
//
// An empty frame or a frame with an unknown opcode yields an error wrapping
// errors.ErrProtocolViolation. Sessions drop such frames and keep relaying:
//
//	payload, err := framer.Unwrap(frame)
//	if errors.Is(err, errors.ErrProtocolViolation) {
//		// log, count, continue
//	}
package framer
