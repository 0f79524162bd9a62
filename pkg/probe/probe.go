// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package probe checks that the backend accepts TCP connections before the
// gateway starts serving.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	mgerrors "github.com/absmach/mcgate/pkg/errors"
)

// DefaultTimeout bounds a Check when no timeout is given.
const DefaultTimeout = 5 * time.Second

// Kind classifies why the backend could not be reached.
type Kind int

const (
	OtherNetworkError Kind = iota
	ConnectionRefused
	NameNotFound
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConnectionRefused:
		return "connection refused"
	case NameNotFound:
		return "name not found"
	case Timeout:
		return "timeout"
	default:
		return "network error"
	}
}

// UnreachableError is returned by Check when the backend cannot be reached.
type UnreachableError struct {
	Addr string
	Kind Kind
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("backend %s unreachable: %s: %v", e.Addr, e.Kind, e.Err)
}

// Unwrap returns the underlying dial error.
func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Is reports errors.ErrBackendUnreachable as a match.
func (e *UnreachableError) Is(target error) bool {
	return target == mgerrors.ErrBackendUnreachable
}

// Check opens a TCP connection to addr and closes it immediately. The dial is
// aborted once timeout elapses or ctx is done.
func Check(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &UnreachableError{Addr: addr, Kind: Classify(err), Err: err}
	}

	return conn.Close()
}

// Classify maps a dial error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return OtherNetworkError
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return Timeout
		}
		return NameNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	return OtherNetworkError
}
