// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy accepts client connections and forwards every request to the
// backend.
//
// # Overview
//
// A Listener owns one client-facing protocol. It binds listen_ip and the
// protocol's listen port, terminates TLS for HTTPS, and hands each accepted
// connection to its own goroutine. Requests on one connection are served in
// order; connections never wait on each other.
//
//	client ──▶ Listener ──▶ Handler ──▶ forward.Client ──▶ backend
//	           (TLS, session)  (rewrite, headers)   (plain HTTP)
//
// # Per-request pipeline
//
// Handler resolves the session of the connection, builds the upstream URL
// from the port mapping, rewrites the request, sets the Forwarded header to
// the client IP and sends the request through the forwarding client. The
// response is streamed back with the X-Proxy-Shim header set exactly once.
//
// Failures stay local to the request. Backend errors become 502 Bad Gateway,
// backend timeouts become 504 Gateway Timeout, and a client that has gone
// away gets nothing written.
//
// # Running listeners
//
//	g, ctx := errgroup.WithContext(ctx)
//	for _, proto := range cfg.Protocols() {
//		l, err := proxy.New(cfg, proto, proxy.Options{Logger: logger})
//		if err != nil {
//			return err
//		}
//		g.Go(func() error {
//			return l.Listen(ctx)
//		})
//	}
//	return g.Wait()
//
// # Graceful Shutdown
//
// Cancelling the context passed to Listen stops accepting connections and
// drains active ones for at most Options.ShutdownTimeout, after which they are
// closed and ErrShutdownTimeout is returned.
package proxy
