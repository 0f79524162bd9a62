// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mcgate.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrConfig indicates missing or malformed configuration. Fatal before start.
	ErrConfig = errors.New("invalid configuration")

	// ErrBackendUnreachable indicates the startup probe could not reach the backend.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrBind indicates the listening socket could not be bound.
	ErrBind = errors.New("bind failed")

	// ErrProtocolViolation indicates a malformed client frame. The frame is
	// dropped and the session stays open.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPeerClosed indicates one side of a session closed its socket.
	ErrPeerClosed = errors.New("peer closed")

	// ErrTransport indicates a read, write or dial failure on a session socket.
	ErrTransport = errors.New("transport error")

	// ErrShutdownTimeout indicates sessions outlived the drain deadline and
	// were terminated.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// SessionError wraps an error with session context.
type SessionError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
