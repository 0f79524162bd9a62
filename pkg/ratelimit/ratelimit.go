// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits WebSocket upgrade attempts with token buckets.
package ratelimit

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const defaultMaxClients = 10000

// NewBucket returns a bucket holding up to capacity tokens, refilled at
// refillRate tokens per second. A refillRate of 0 never refills.
func NewBucket(capacity, refillRate int64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(refillRate), int(capacity))
}

// Limiter keeps one bucket per client key, usually the client host.
// At most maxClients buckets are tracked; the least recently used bucket is
// evicted to make room for a new client.
type Limiter struct {
	buckets    *lru.Cache[string, *rate.Limiter]
	capacity   int64
	refillRate int64
}

// NewLimiter creates a per-client limiter. maxClients of 0 uses a default
// of 10000.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	// Only fails for a non-positive size.
	buckets, _ := lru.New[string, *rate.Limiter](maxClients)

	return &Limiter{
		buckets:    buckets,
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Allow checks if an upgrade from the given client should be allowed.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN reports whether n tokens from the client's bucket are available and
// consumes them if so.
func (l *Limiter) AllowN(clientID string, n int) bool {
	b, ok := l.buckets.Get(clientID)
	if !ok {
		fresh := NewBucket(l.capacity, l.refillRate)
		if prev, found, _ := l.buckets.PeekOrAdd(clientID, fresh); found {
			b = prev
		} else {
			b = fresh
		}
	}
	return b.AllowN(time.Now(), n)
}

// Remove removes a client's bucket.
func (l *Limiter) Remove(clientID string) {
	l.buckets.Remove(clientID)
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	return l.buckets.Len()
}

// Close drops every bucket.
func (l *Limiter) Close() {
	l.buckets.Purge()
}
