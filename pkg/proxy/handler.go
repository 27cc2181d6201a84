// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	perrors "github.com/absmach/penumbra/pkg/errors"
	"github.com/absmach/penumbra/pkg/forward"
	"github.com/absmach/penumbra/pkg/logger"
	"github.com/absmach/penumbra/pkg/metrics"
	"github.com/absmach/penumbra/pkg/session"
)

// forwardingHeaders are stripped by httputil.ReverseProxy before Rewrite
// runs. Only Forwarded belongs to the proxy, the others pass through as sent.
var forwardingHeaders = []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// Handler runs the forwarding pipeline for the requests of one listener:
// target resolution, URI rewrite, request header injection, forwarding,
// response header injection.
type Handler struct {
	cfg     forward.Config
	proto   forward.Protocol
	client  http.RoundTripper
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates the pipeline handler for requests received over proto.
func NewHandler(cfg forward.Config, proto forward.Protocol, client http.RoundTripper, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = forward.NewClient(forward.ClientConfig{Metrics: m, Logger: logger})
	}

	return &Handler{
		cfg:     cfg,
		proto:   proto,
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

// ServeHTTP implements http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sc := session.FromRequest(r, h.proto)

	target, err := h.cfg.Target(sc.Protocol)
	if err != nil {
		h.fail(w, r, sc, err, start)
		return
	}
	upstream := forward.RewriteURL(r.URL, target)

	h.logger.Info("proxying request", append(sc.LogAttrs(),
		slog.String("method", r.Method),
		slog.String("uri", upstream.String()))...)
	if h.logger.Enabled(r.Context(), logger.LevelTrace) {
		h.logger.Log(r.Context(), logger.LevelTrace, "inbound request", append(sc.LogAttrs(),
			slog.String("method", r.Method),
			slog.String("request_uri", r.RequestURI),
			slog.String("host", r.Host),
			slog.String("proto", r.Proto),
			slog.Int64("content_length", r.ContentLength),
			slog.Any("headers", r.Header))...)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			rewrite(pr, upstream, sc)
		},
		Transport:     h.client,
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			forward.SetProxyIdentity(resp.Header)
			h.observe(sc, r.Method, resp.StatusCode, start)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.fail(w, r, sc, perrors.Classify(err, r.Context().Err()), start)
		},
		ErrorLog: slog.NewLogLogger(h.logger.Handler(), slog.LevelDebug),
	}
	rp.ServeHTTP(w, r)
}

// rewrite turns the inbound request into the upstream one. The Host header
// of the client is kept so name-based virtual hosts on the backend still
// match.
func rewrite(pr *httputil.ProxyRequest, upstream *url.URL, sc *session.Context) {
	pr.Out.URL = upstream
	for _, name := range forwardingHeaders {
		if v, ok := pr.In.Header[name]; ok {
			pr.Out.Header[name] = append([]string(nil), v...)
		}
	}
	forward.SetClientIdentity(pr.Out.Header, sc.RemoteAddr)
}

// fail answers a request that could not be forwarded with a gateway error.
// Nothing is written when the client is already gone.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, sc *session.Context, err error, start time.Time) {
	perr := perrors.New("forward", sc.Protocol.String(), sc.SessionID, sc.Remote(), err)
	if h.metrics != nil {
		h.metrics.GatewayErrors.WithLabelValues(sc.Protocol.String(), forward.ErrorType(err)).Inc()
	}

	if errors.Is(err, perrors.ErrClientDisconnect) {
		h.logger.Debug("client disconnected before response",
			slog.String("session", sc.SessionID),
			slog.String("error", perr.Error()))
		return
	}

	status := perrors.StatusCode(err)
	h.logger.Error("request failed", append(sc.LogAttrs(),
		slog.String("method", r.Method),
		slog.String("uri", r.URL.String()),
		slog.Int("status", status),
		slog.String("error", perr.Error()))...)

	forward.SetProxyIdentity(w.Header())
	http.Error(w, http.StatusText(status), status)
	h.observe(sc, r.Method, status, start)
}

func (h *Handler) observe(sc *session.Context, method string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveRequest(sc.Protocol.String(), method, status, time.Since(start))
}
