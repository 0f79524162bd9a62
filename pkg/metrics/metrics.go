// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mcgate.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can run uninstrumented in tests.
package metrics

import (
	"time"

	"github.com/absmach/mcgate/pkg/framer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mcgate.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	BufferedFlushed prometheus.Histogram

	// Relay metrics
	Frames             *prometheus.CounterVec
	Bytes              *prometheus.CounterVec
	ProtocolViolations prometheus.Counter
	DroppedWrites      *prometheus.CounterVec

	// Backend metrics
	BackendDialErrors   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Liveness metrics
	HeartbeatSweeps       prometheus.Counter
	HeartbeatTerminations prometheus.Counter

	// Admission metrics
	RejectedUpgrades *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mcgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions in the live-session set",
			},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of closed sessions by close cause",
			},
			[]string{"cause"},
		),
		SessionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
		),
		BufferedFlushed: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "buffered_payloads_flushed",
				Help:      "Payloads buffered while connecting and flushed once the backend was ready",
				Buckets:   []float64{0, 1, 2, 5, 10, 50, 100, 1000},
			},
		),
		Frames: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of relayed frames",
			},
			[]string{"direction"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of relayed payload bytes",
			},
			[]string{"direction"},
		),
		ProtocolViolations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_violations_total",
				Help:      "Total number of malformed client frames dropped",
			},
		),
		DroppedWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_writes_total",
				Help:      "Writes dropped because the target socket was not open",
			},
			[]string{"direction"},
		),
		BackendDialErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dial_errors_total",
				Help:      "Total number of failed backend dials",
			},
			[]string{"kind"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		HeartbeatSweeps: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_sweeps_total",
				Help:      "Total number of heartbeat sweeps",
			},
		),
		HeartbeatTerminations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_terminations_total",
				Help:      "Sessions terminated for missing a heartbeat",
			},
		),
		RejectedUpgrades: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_upgrades_total",
				Help:      "Upgrade requests rejected before a session was created",
			},
			[]string{"reason"},
		),
	}

	return m
}

// SessionOpened tracks a session entering the live-session set.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed tracks a session leaving the live-session set.
func (m *Metrics) SessionClosed(cause string, started time.Time) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(cause).Inc()
	m.SessionDuration.Observe(time.Since(started).Seconds())
}

// Relayed counts one frame of n payload bytes in direction dir.
func (m *Metrics) Relayed(dir framer.Direction, n int) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(dir.String()).Inc()
	m.Bytes.WithLabelValues(dir.String()).Add(float64(n))
}

// Flushed records how many buffered payloads a session flushed.
func (m *Metrics) Flushed(n int) {
	if m == nil {
		return
	}
	m.BufferedFlushed.Observe(float64(n))
}

// Violation counts a dropped malformed frame.
func (m *Metrics) Violation() {
	if m == nil {
		return
	}
	m.ProtocolViolations.Inc()
}

// DroppedWrite counts a write skipped because its socket was not open.
func (m *Metrics) DroppedWrite(dir framer.Direction) {
	if m == nil {
		return
	}
	m.DroppedWrites.WithLabelValues(dir.String()).Inc()
}

// DialError counts a failed backend dial of the given kind.
func (m *Metrics) DialError(kind string) {
	if m == nil {
		return
	}
	m.BackendDialErrors.WithLabelValues(kind).Inc()
}

// Sweep records one heartbeat sweep that terminated n sessions.
func (m *Metrics) Sweep(terminated int) {
	if m == nil {
		return
	}
	m.HeartbeatSweeps.Inc()
	m.HeartbeatTerminations.Add(float64(terminated))
}

// Rejected counts an upgrade refused before a session existed.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedUpgrades.WithLabelValues(reason).Inc()
}

// BreakerState records a circuit breaker transition for backend.
func (m *Metrics) BreakerState(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}
