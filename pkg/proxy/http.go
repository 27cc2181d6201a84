// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	perrors "github.com/absmach/penumbra/pkg/errors"
	"github.com/absmach/penumbra/pkg/forward"
	"github.com/absmach/penumbra/pkg/metrics"
	"github.com/absmach/penumbra/pkg/session"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Options holds optional listener settings.
type Options struct {
	// ShutdownTimeout is the maximum time to wait for active connections to
	// drain once the listen context is cancelled.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout bounds reading a request's headers. Zero means no limit.
	ReadHeaderTimeout time.Duration

	// IdleTimeout bounds keep-alive idle time. Zero means no limit.
	IdleTimeout time.Duration

	// Client forwards requests to the backend. Defaults to forward.NewClient.
	Client http.RoundTripper

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Listener accepts client connections for one protocol and runs every
// request through the forwarding pipeline. Each connection is served on its
// own goroutine.
type Listener struct {
	proto     forward.Protocol
	address   string
	tlsConfig *tls.Config
	server    *http.Server
	client    http.RoundTripper
	opts      Options
	logger    *slog.Logger

	opened sync.Map // net.Conn -> time.Time
}

// New creates the listener for proto. It fails when cfg has no port mapping
// for proto or when the HTTPS key material cannot be loaded; both are
// startup errors.
func New(cfg forward.Config, proto forward.Protocol, opts Options) (*Listener, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	address, err := cfg.ListenAddress(proto)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With(slog.String("protocol", proto.String()))

	var tlsConfig *tls.Config
	if proto == forward.HTTPS {
		if tlsConfig, err = serverTLSConfig(cfg.TLS); err != nil {
			return nil, err
		}
	}

	if opts.Client == nil {
		opts.Client = forward.NewClient(forward.ClientConfig{Metrics: opts.Metrics, Logger: logger})
	}

	l := &Listener{
		proto:     proto,
		address:   address,
		tlsConfig: tlsConfig,
		client:    opts.Client,
		opts:      opts,
		logger:    logger,
	}
	l.server = &http.Server{
		Handler:           NewHandler(cfg, proto, opts.Client, opts.Metrics, logger),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ConnContext:       l.connContext,
		ConnState:         l.connState,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}

	return l, nil
}

func serverTLSConfig(material *forward.TLSMaterial) (*tls.Config, error) {
	if material == nil {
		return nil, fmt.Errorf("%w: https requires TLS key material", perrors.ErrInvalidConfig)
	}
	cert, err := tls.X509KeyPair(material.CertChain, material.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load TLS key pair: %w", perrors.ErrInvalidConfig, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// Protocol returns the client-facing protocol of the listener.
func (l *Listener) Protocol() forward.Protocol {
	return l.proto
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	return l.address
}

// Listen binds the configured address and serves until ctx is cancelled.
func (l *Listener) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains active
// connections for at most ShutdownTimeout. HTTPS listeners wrap ln in TLS.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}
	l.logger.Info("listening", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received, closing listener")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), l.opts.ShutdownTimeout)
		defer cancel()
		defer l.closeIdle()

		if err := l.server.Shutdown(shutdownCtx); err != nil {
			l.logger.Warn("shutdown timeout exceeded, forcing connection closure", slog.String("error", err.Error()))
			l.server.Close()
			return ErrShutdownTimeout
		}
		l.logger.Info("listener shutdown complete")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (l *Listener) closeIdle() {
	type closeIdler interface{ CloseIdleConnections() }
	if c, ok := l.client.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}

// connContext creates the session context when a connection is accepted.
func (l *Listener) connContext(ctx context.Context, conn net.Conn) context.Context {
	return session.WithContext(ctx, session.New(conn, l.proto))
}

func (l *Listener) connState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		l.opened.Store(conn, time.Now())
		if l.opts.Metrics != nil {
			l.opts.Metrics.ConnectionOpened(l.proto.String())
		}
		l.logger.Debug("connection opened", slog.String("remote", conn.RemoteAddr().String()))

	case http.StateClosed, http.StateHijacked:
		v, ok := l.opened.LoadAndDelete(conn)
		if !ok {
			return
		}
		if l.opts.Metrics != nil {
			l.opts.Metrics.ConnectionClosed(l.proto.String(), v.(time.Time))
		}
		l.logger.Debug("connection closed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.Duration("duration", time.Since(v.(time.Time))))
	}
}
