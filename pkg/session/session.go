// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session carries per-connection metadata through the request
// pipeline.
package session

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/penumbra/pkg/forward"
	"github.com/google/uuid"
)

// Context contains connection metadata. It is created when a connection is
// accepted and is read-only afterwards. Every request received over the
// connection sees the same Context.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr net.Addr

	// Protocol is the client-facing protocol of the listener
	Protocol forward.Protocol

	// Accepted is when the connection was accepted
	Accepted time.Time
}

// New creates the Context for a freshly accepted connection.
func New(conn net.Conn, proto forward.Protocol) *Context {
	return &Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: conn.RemoteAddr(),
		Protocol:   proto,
		Accepted:   time.Now(),
	}
}

// ClientIP returns the IP of the connecting peer.
func (c *Context) ClientIP() string {
	return forward.ClientIP(c.RemoteAddr)
}

// Remote returns the peer address as a string.
func (c *Context) Remote() string {
	if c.RemoteAddr == nil {
		return ""
	}
	return c.RemoteAddr.String()
}

// LogAttrs returns the attributes identifying the connection in logs.
func (c *Context) LogAttrs() []any {
	return []any{
		slog.String("session", c.SessionID),
		slog.String("remote", c.Remote()),
		slog.String("protocol", c.Protocol.String()),
	}
}

// FromRequest returns the Context of the connection r arrived on. Requests
// served outside a Listener get a Context built from r.RemoteAddr.
func FromRequest(r *http.Request, proto forward.Protocol) *Context {
	if sc, ok := FromContext(r.Context()); ok {
		return sc
	}
	return &Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: remoteAddr(r.RemoteAddr),
		Protocol:   proto,
		Accepted:   time.Now(),
	}
}

// remoteAddr is a net.Addr known only by its string form.
type remoteAddr string

func (a remoteAddr) Network() string { return "tcp" }
func (a remoteAddr) String() string  { return string(a) }

type ctxKey struct{}

// WithContext returns a copy of parent carrying sc.
func WithContext(parent context.Context, sc *Context) context.Context {
	return context.WithValue(parent, ctxKey{}, sc)
}

// FromContext returns the Context stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	sc, ok := ctx.Value(ctxKey{}).(*Context)
	return sc, ok && sc != nil
}
