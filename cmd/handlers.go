// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/absmach/mcgate/pkg/handler"
	"github.com/absmach/mcgate/pkg/ratelimit"
	"golang.org/x/time/rate"
)

var _ handler.Handler = (*RateLimitedHandler)(nil)

// RateLimitedHandler wraps a handler with upgrade rate limiting.
// Either limiter may be nil.
type RateLimitedHandler struct {
	handler          handler.Handler
	perClientLimiter *ratelimit.Limiter
	globalLimiter    *rate.Limiter
	logger           *slog.Logger
}

// Admit implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) Admit(ctx context.Context, hctx *handler.Context) error {
	if h.globalLimiter != nil && !h.globalLimiter.Allow() {
		h.logger.Warn("global rate limit exceeded",
			slog.String("remote", hctx.RemoteAddr))
		return ratelimit.ErrRateLimitExceeded
	}

	if h.perClientLimiter != nil {
		client := clientKey(hctx.RemoteAddr)
		if !h.perClientLimiter.Allow(client) {
			h.logger.Warn("per-client rate limit exceeded",
				slog.String("client", client))
			return ratelimit.ErrRateLimitExceeded
		}
	}

	return h.handler.Admit(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnRelay implements handler.Handler.
func (h *RateLimitedHandler) OnRelay(ctx context.Context, hctx *handler.Context, buffered int) error {
	return h.handler.OnRelay(ctx, hctx, buffered)
}

// OnViolation implements handler.Handler.
func (h *RateLimitedHandler) OnViolation(ctx context.Context, hctx *handler.Context, frame []byte, err error) error {
	return h.handler.OnViolation(ctx, hctx, frame, err)
}

// OnDisconnect implements handler.Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason string) error {
	return h.handler.OnDisconnect(ctx, hctx, reason)
}

// clientKey strips the port so reconnects from one host share a bucket.
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
