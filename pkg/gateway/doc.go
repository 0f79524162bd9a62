// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway serves WebSocket game clients and relays each of them to a
// dedicated TCP connection on one backend game server.
//
// # Lifecycle
//
//	srv := gateway.New(gateway.Config{
//		Address: ":10000",
//		Backend: "mc.example.com:25565",
//	}, h)
//	err := srv.Listen(ctx) // Start, wait for ctx, Shutdown
//
// Start probes the backend once and refuses to bind when it is unreachable.
// Shutdown stops accepting, sends close code 1001 to every session and waits
// up to DrainTimeout before terminating the rest.
//
// # Routing
//
// Every WebSocket upgrade request becomes a session regardless of its path.
// A plain GET /health answers 200 OK; other plain requests get 404.
//
// # Admission
//
// Before upgrading, the handler's Admit hook may refuse the client. Rate limit
// errors map to 429, other errors to 403. A full session registry or a
// closing gateway answers 503.
package gateway
