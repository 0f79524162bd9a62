// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package framer

import (
	"fmt"

	"github.com/absmach/mcgate/pkg/errors"
)

const (
	// OpClientData prefixes game data sent by the client to the server.
	OpClientData byte = 0x01

	// OpServerData prefixes game data sent by the server to the client.
	OpServerData byte = 0x02
)

var (
	// ErrEmptyFrame is returned by Unwrap for a zero-length frame.
	ErrEmptyFrame = fmt.Errorf("%w: empty frame", errors.ErrProtocolViolation)

	// ErrUnknownOpcode is returned by Unwrap for any opcode other than OpClientData.
	ErrUnknownOpcode = fmt.Errorf("%w: unknown opcode", errors.ErrProtocolViolation)
)

// Direction indicates the direction of data flow through a session.
type Direction int

const (
	// Upstream represents frames flowing from client to backend server.
	Upstream Direction = iota

	// Downstream represents bytes flowing from backend server to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Codec converts between client frames and raw backend bytes.
type Codec interface {
	// Unwrap turns one client frame into the bytes to send to the backend.
	// Errors wrap errors.ErrProtocolViolation and are recoverable.
	Unwrap(frame []byte) ([]byte, error)

	// Wrap turns a chunk of backend bytes into one client frame.
	Wrap(payload []byte) []byte
}

// Opcode is the opcode-prefixed codec.
type Opcode struct{}

var _ Codec = Opcode{}

// Unwrap implements Codec.
func (Opcode) Unwrap(frame []byte) ([]byte, error) {
	return Unwrap(frame)
}

// Wrap implements Codec.
func (Opcode) Wrap(payload []byte) []byte {
	return Wrap(payload)
}

// Raw passes bytes through unmodified in both directions.
type Raw struct{}

var _ Codec = Raw{}

// Unwrap implements Codec. Empty frames are still rejected.
func (Raw) Unwrap(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	return frame, nil
}

// Wrap implements Codec.
func (Raw) Wrap(payload []byte) []byte {
	return payload
}

// Unwrap strips the leading OpClientData byte from frame. The returned slice
// aliases frame.
func Unwrap(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	if frame[0] != OpClientData {
		return nil, fmt.Errorf("%w 0x%02x", ErrUnknownOpcode, frame[0])
	}
	return frame[1:], nil
}

// Wrap returns a new frame holding OpServerData followed by payload.
func Wrap(payload []byte) []byte {
	frame := make([]byte, len(payload)+1)
	frame[0] = OpServerData
	copy(frame[1:], payload)
	return frame
}
