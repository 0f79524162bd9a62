// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mgerrors "github.com/absmach/mcgate/pkg/errors"
)

// drainPollInterval is how often DrainAll checks for an empty registry.
const drainPollInterval = 50 * time.Millisecond

// ErrRegistryFull is returned by Add when the session limit is reached.
var ErrRegistryFull = errors.New("session limit reached")

// Registry is the set of live sessions, keyed by session ID.
// It is shared by the accept path, session teardown and the heartbeat sweep.
type Registry struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	logger      *slog.Logger
	maxSessions int
}

// NewRegistry creates a registry. maxSessions of 0 means unlimited.
func NewRegistry(logger *slog.Logger, maxSessions int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// Add inserts s into the live set.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("duplicate session id %s", s.ID())
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return fmt.Errorf("%w (%d)", ErrRegistryFull, r.maxSessions)
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove deletes the session with id. It reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Full reports whether Add would fail for lack of room.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxSessions > 0 && len(r.sessions) >= r.maxSessions
}

// Snapshot returns the live sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll asks every live session to close with code and reason. It does
// not wait: a client that stopped reading can hold its close for a while.
func (r *Registry) CloseAll(code int, reason string) {
	sessions := r.Snapshot()
	r.logger.Info("closing all sessions", slog.Int("count", len(sessions)))

	for _, s := range sessions {
		go s.Close(code, reason)
	}
}

// DrainAll waits for the registry to empty or forces closure after timeout.
// A non-positive timeout forces closure of whatever is left at once.
func (r *Registry) DrainAll(timeout time.Duration) error {
	if r.Count() == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.Count() == 0 {
				r.logger.Info("all sessions drained")
				return nil
			}
		case <-timer.C:
			r.logger.Warn("drain timeout exceeded, forcing session closure",
				slog.Int("remaining", r.Count()))
			r.ForceCloseAll()
			return mgerrors.ErrShutdownTimeout
		}
	}
}

// ForceCloseAll empties the registry and terminates every session it held
// in the background.
func (r *Registry) ForceCloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.logger.Debug("force closing session", slog.String("session", s.ID()))
		go s.Terminate("forced shutdown")
	}
}
