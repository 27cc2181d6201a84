// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	perrors "github.com/absmach/penumbra/pkg/errors"
	"github.com/absmach/penumbra/pkg/metrics"
)

// ClientConfig holds configuration for the forwarding client.
type ClientConfig struct {
	// DialTimeout bounds connecting to the backend. Zero means no limit.
	DialTimeout time.Duration

	// ResponseTimeout bounds the wait for the backend's response headers
	// after the request was written. Zero means no limit.
	ResponseTimeout time.Duration

	// Transport overrides the default transport.
	Transport http.RoundTripper

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client issues rewritten requests to the backend. It performs no retries
// and streams bodies in both directions.
type Client struct {
	transport http.RoundTripper
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

var _ http.RoundTripper = (*Client)(nil)

// NewClient creates a new forwarding client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == nil {
		cfg.Transport = newTransport(cfg.DialTimeout, cfg.ResponseTimeout)
	}

	return &Client{
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

func newTransport(dialTimeout, responseTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		// Environment proxies never apply to the backend hop.
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: responseTimeout,
		DisableCompression:    true,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// RoundTrip sends req to the backend named in req.URL. Transport errors are
// classified with the sentinels of package errors.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	backend := req.URL.Host

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		err = perrors.Classify(err, req.Context().Err())
		c.observe(backend, 0, ErrorType(err), start)
		c.logger.Debug("backend round trip failed",
			slog.String("backend", backend),
			slog.String("method", req.Method),
			slog.String("error", err.Error()))
		return nil, err
	}

	c.observe(backend, resp.StatusCode, "", start)
	c.logger.Debug("backend responded",
		slog.String("backend", backend),
		slog.String("method", req.Method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))
	return resp, nil
}

// CloseIdleConnections closes idle backend connections.
func (c *Client) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if t, ok := c.transport.(closeIdler); ok {
		t.CloseIdleConnections()
	}
}

func (c *Client) observe(backend string, status int, errType string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveBackend(backend, status, errType, time.Since(start))
}

// ErrorType returns the metric label for a classified forwarding error.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, perrors.ErrClientDisconnect):
		return "client_disconnect"
	case errors.Is(err, perrors.ErrBackendTimeout):
		return "timeout"
	case errors.Is(err, perrors.ErrURIConstruction):
		return "uri"
	case errors.Is(err, perrors.ErrProtocolNotConfigured):
		return "config"
	default:
		return "connection"
	}
}
