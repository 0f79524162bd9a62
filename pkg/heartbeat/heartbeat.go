// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat detects clients that stopped answering WebSocket pings.
//
// Every Interval the monitor sweeps the session registry. A session whose
// alive flag is still clear from the previous sweep is terminated with close
// code 1001 and removed; every other session has its flag cleared and is sent
// a ping. The pong handler installed by the session sets the flag again, so a
// client gets one full interval to answer.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/mcgate/pkg/metrics"
	"github.com/absmach/mcgate/pkg/session"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInterval is the sweep period used when none is configured.
	DefaultInterval = 30 * time.Second

	// DefaultConcurrency bounds the number of pings in flight during a sweep.
	DefaultConcurrency = 64

	timeoutReason = "heartbeat timeout"
)

// Config holds the monitor configuration.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Monitor periodically pings live sessions and terminates silent ones.
type Monitor struct {
	registry *session.Registry
	config   Config
	logger   *slog.Logger
}

// New creates a monitor over registry.
func New(registry *session.Registry, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		config:   cfg,
		logger:   cfg.Logger,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.config.Clock.Ticker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one heartbeat pass and returns the number of terminated sessions.
func (m *Monitor) Sweep() int {
	var terminated atomic.Int32

	var g errgroup.Group
	g.SetLimit(m.config.Concurrency)

	for _, s := range m.registry.Snapshot() {
		if !s.ConsumeAlive() {
			terminated.Add(1)
			g.Go(func() error {
				m.terminate(s, timeoutReason)
				return nil
			})
			continue
		}
		g.Go(func() error {
			err := s.Ping()
			if errors.Is(err, session.ErrNotOpen) {
				return nil
			}
			if err != nil {
				m.logger.Debug("ping failed",
					slog.String("session", s.ID()),
					slog.String("error", err.Error()))
				m.terminate(s, "ping failed")
				terminated.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	n := int(terminated.Load())
	m.config.Metrics.Sweep(n)
	if n > 0 {
		m.logger.Info("heartbeat sweep terminated sessions",
			slog.Int("terminated", n),
			slog.Int("live", m.registry.Count()))
	}
	return n
}

func (m *Monitor) terminate(s *session.Session, reason string) {
	m.logger.Debug("terminating session",
		slog.String("session", s.ID()),
		slog.String("client", s.RemoteAddr()),
		slog.String("reason", reason))
	s.Terminate(reason)
	m.registry.Remove(s.ID())
}
