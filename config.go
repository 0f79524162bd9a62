// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcgate

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mcgate/pkg/errors"
	"github.com/absmach/mcgate/pkg/framer"
	"github.com/caarlos0/env/v11"
)

const (
	// FramingOpcode selects the opcode-prefixed client framing.
	FramingOpcode = "opcode"

	// FramingRaw passes client messages to the backend unmodified.
	FramingRaw = "raw"
)

// Endpoint is a resolved host and port pair.
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

// ParseEndpoint parses a host:port string. Both parts are required and the
// port must be in the range 1-65535.
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: invalid address %q: %w", errors.ErrConfig, s, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %q", errors.ErrConfig, s)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Endpoint{}, fmt.Errorf("%w: invalid port in %q", errors.ErrConfig, s)
	}

	return Endpoint{Host: host, Port: uint16(p)}, nil
}

// Config holds the gateway configuration resolved from the environment.
type Config struct {
	ListenHost string `env:"LISTEN_HOST"  envDefault:""`
	ListenPort uint16 `env:"LISTEN_PORT"  envDefault:"10000"`
	Backend    string `env:"BACKEND,required"`
	Framing    string `env:"FRAMING"      envDefault:"opcode"`

	ProbeTimeout      time.Duration `env:"PROBE_TIMEOUT"      envDefault:"5s"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT"       envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT"      envDefault:"5s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"      envDefault:"10s"`

	ReadBufferSize int   `env:"READ_BUFFER_SIZE" envDefault:"32768"`
	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE" envDefault:"2097152"`
	MaxSessions    int   `env:"MAX_SESSIONS"     envDefault:"0"`

	// BackendEndpoint is derived from Backend.
	BackendEndpoint Endpoint
}

// NewConfig parses the environment using opts and validates the result.
// Every failure wraps errors.ErrConfig.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errors.ErrConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks field ranges and resolves BackendEndpoint.
func (c *Config) Validate() error {
	ep, err := ParseEndpoint(c.Backend)
	if err != nil {
		return err
	}
	c.BackendEndpoint = ep

	if c.ListenPort == 0 {
		return fmt.Errorf("%w: listen port must not be 0", errors.ErrConfig)
	}
	switch c.Framing {
	case FramingOpcode, FramingRaw:
	default:
		return fmt.Errorf("%w: unknown framing %q", errors.ErrConfig, c.Framing)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: read buffer size must be positive", errors.ErrConfig)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("%w: max sessions must not be negative", errors.ErrConfig)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max message size must not be negative", errors.ErrConfig)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"PROBE_TIMEOUT", c.ProbeTimeout},
		{"DIAL_TIMEOUT", c.DialTimeout},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"DRAIN_TIMEOUT", c.DrainTimeout},
		{"WRITE_TIMEOUT", c.WriteTimeout},
	}
	for _, f := range durations {
		if f.d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", errors.ErrConfig, f.name, f.d)
		}
	}

	return nil
}

// ListenAddress returns the address the gateway binds to.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.FormatUint(uint64(c.ListenPort), 10))
}

// Codec returns the client framing codec selected by Framing.
func (c Config) Codec() framer.Codec {
	if c.Framing == FramingRaw {
		return framer.Raw{}
	}
	return framer.Opcode{}
}
