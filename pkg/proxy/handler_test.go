// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"testing"

	perrors "github.com/absmach/penumbra/pkg/errors"
	"github.com/absmach/penumbra/pkg/forward"
	"github.com/absmach/penumbra/pkg/logger"
	"github.com/absmach/penumbra/pkg/metrics"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// recorder captures the outbound request and answers with a fixed response.
type recorder struct {
	out    *http.Request
	body   []byte
	status int
	header http.Header
	reply  string
	err    error
}

func (rec *recorder) RoundTrip(r *http.Request) (*http.Response, error) {
	rec.out = r
	if r.Body != nil {
		rec.body, _ = io.ReadAll(r.Body)
	}
	if rec.err != nil {
		return nil, rec.err
	}
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	header := rec.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(rec.reply)),
		Request:    r,
	}, nil
}

func scenarioConfig() forward.Config {
	return forward.Config{
		HTTP:      &forward.ProtoPorts{Listen: 8080, Connect: 80},
		ListenIP:  netip.MustParseAddr("0.0.0.0"),
		ConnectIP: netip.MustParseAddr("127.0.0.1"),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestHandler_RewritesRequest(t *testing.T) {
	rec := &recorder{reply: "hello"}
	h := NewHandler(scenarioConfig(), forward.HTTP, rec, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/foo?x=1", nil)
	req.RemoteAddr = "203.0.113.5:4444"
	req.Header.Set("Forwarded", "for=198.51.100.1")
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	req.Header.Add("Accept", "text/plain")
	req.Header.Add("Accept", "text/html")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if rec.out == nil {
		t.Fatal("expected request to be forwarded")
	}
	if got := rec.out.URL.String(); got != "http://127.0.0.1:80/foo?x=1" {
		t.Errorf("outbound URL = %s, want http://127.0.0.1:80/foo?x=1", got)
	}
	if rec.out.URL.Host != "127.0.0.1:80" {
		t.Errorf("outbound authority = %s", rec.out.URL.Host)
	}
	if rec.out.Method != http.MethodGet {
		t.Errorf("outbound method = %s", rec.out.Method)
	}
	if rec.out.Host != "example.com" {
		t.Errorf("outbound Host = %q, want client Host preserved", rec.out.Host)
	}
	if diff := cmp.Diff([]string{"203.0.113.5"}, rec.out.Header.Values("Forwarded")); diff != "" {
		t.Errorf("Forwarded mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"198.51.100.1"}, rec.out.Header.Values("X-Forwarded-For")); diff != "" {
		t.Errorf("X-Forwarded-For mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"text/plain", "text/html"}, rec.out.Header.Values("Accept")); diff != "" {
		t.Errorf("Accept mismatch (-want +got):\n%s", diff)
	}

	if w.Code != http.StatusOK || w.Body.String() != "hello" {
		t.Errorf("response = %d %q, want 200 %q", w.Code, w.Body.String(), "hello")
	}
	if diff := cmp.Diff([]string{forward.ProxyIdentity}, w.Header().Values(forward.ProxyIdentityHeader)); diff != "" {
		t.Errorf("proxy identity mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_PreservesMethodAndBody(t *testing.T) {
	methods := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, "PROPFIND"}
	payload := []byte("{\"k\":\"v\"}\x00\xff binary tail")

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			rec := &recorder{status: http.StatusAccepted}
			h := NewHandler(scenarioConfig(), forward.HTTP, rec, nil, testLogger())

			req := httptest.NewRequest(method, "/a/b%2Fc?q=1&q=2", bytes.NewReader(payload))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if rec.out.Method != method {
				t.Errorf("method = %s, want %s", rec.out.Method, method)
			}
			if !bytes.Equal(rec.body, payload) {
				t.Errorf("body = %q, want %q", rec.body, payload)
			}
			if rec.out.URL.EscapedPath() != "/a/b%2Fc" || rec.out.URL.RawQuery != "q=1&q=2" {
				t.Errorf("path/query = %s ? %s", rec.out.URL.EscapedPath(), rec.out.URL.RawQuery)
			}
			if w.Code != http.StatusAccepted {
				t.Errorf("status = %d, want 202", w.Code)
			}
		})
	}
}

func TestHandler_BackendStatusPassthrough(t *testing.T) {
	rec := &recorder{
		status: http.StatusServiceUnavailable,
		header: http.Header{forward.ProxyIdentityHeader: {"upstream"}, "Retry-After": {"5"}},
		reply:  "maintenance",
	}
	h := NewHandler(scenarioConfig(), forward.HTTP, rec, nil, testLogger())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusServiceUnavailable || w.Body.String() != "maintenance" {
		t.Errorf("response = %d %q", w.Code, w.Body.String())
	}
	if diff := cmp.Diff([]string{forward.ProxyIdentity}, w.Header().Values(forward.ProxyIdentityHeader)); diff != "" {
		t.Errorf("proxy identity mismatch (-want +got):\n%s", diff)
	}
	if w.Header().Get("Retry-After") != "5" {
		t.Error("backend header dropped")
	}
}

func TestHandler_GatewayErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func() forward.Config
		proto  forward.Protocol
		err    error
		status int
		called bool
	}{
		{
			name:   "backend unreachable",
			cfg:    scenarioConfig,
			proto:  forward.HTTP,
			err:    errors.New("dial tcp 127.0.0.1:80: connect: connection refused"),
			status: http.StatusBadGateway,
			called: true,
		},
		{
			name:   "backend timeout",
			cfg:    scenarioConfig,
			proto:  forward.HTTP,
			err:    fmt.Errorf("%w: awaiting headers", perrors.ErrBackendTimeout),
			status: http.StatusGatewayTimeout,
			called: true,
		},
		{
			name: "uri construction",
			cfg: func() forward.Config {
				cfg := scenarioConfig()
				cfg.ConnectIP = netip.MustParseAddr("fe80::1%eth0")
				return cfg
			},
			proto:  forward.HTTP,
			status: http.StatusBadGateway,
		},
		{
			name:   "protocol not configured",
			cfg:    scenarioConfig,
			proto:  forward.HTTPS,
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{err: tt.err}
			m := metrics.New("test", prometheus.NewRegistry())
			h := NewHandler(tt.cfg(), tt.proto, rec, m, testLogger())

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if (rec.out != nil) != tt.called {
				t.Errorf("transport called = %v, want %v", rec.out != nil, tt.called)
			}
			if w.Header().Get(forward.ProxyIdentityHeader) != forward.ProxyIdentity {
				t.Error("gateway error is missing the proxy identity header")
			}
			var total float64
			for _, typ := range []string{"connection", "timeout", "uri", "config"} {
				total += testutil.ToFloat64(m.GatewayErrors.WithLabelValues(tt.proto.String(), typ))
			}
			if total != 1 {
				t.Errorf("gateway errors = %v, want 1", total)
			}
		})
	}
}

func TestHandler_ClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		cancel()
		return nil, context.Canceled
	})
	h := NewHandler(scenarioConfig(), forward.HTTP, tr, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Body.Len() != 0 {
		t.Errorf("expected nothing written, got %q", w.Body.String())
	}
	if w.Header().Get(forward.ProxyIdentityHeader) != "" {
		t.Error("expected no response headers for a vanished client")
	}
}

func TestHandler_TraceLogging(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("logger.New() error = %v", err)
	}
	h := NewHandler(scenarioConfig(), forward.HTTP, &recorder{}, nil, log)

	req := httptest.NewRequest(http.MethodDelete, "/items/7", nil)
	req.Header.Set("X-Trace-Me", "yes")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{"proxying request", "method=DELETE", "uri=http://127.0.0.1:80/items/7", "level=TRACE", "X-Trace-Me"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
