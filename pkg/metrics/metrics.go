// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for penumbra.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for penumbra.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	GatewayErrors   *prometheus.CounterVec

	// Backend metrics
	BackendRequestsTotal *prometheus.CounterVec
	BackendErrors        *prometheus.CounterVec
	BackendDuration      *prometheus.HistogramVec
}

// New creates a new Metrics instance registered with reg. A nil reg
// registers with the Prometheus default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "penumbra"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open client connections",
			},
			[]string{"protocol"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted client connections",
			},
			[]string{"protocol"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Client connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests by response status",
			},
			[]string{"protocol", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time to first response byte for proxied requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol", "method"},
		),
		GatewayErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_errors_total",
				Help:      "Total number of requests answered with a gateway error",
			},
			[]string{"protocol", "error_type"},
		),
		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total number of backend round trips",
			},
			[]string{"backend", "status"},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed backend round trips",
			},
			[]string{"backend", "error_type"},
		),
		BackendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_duration_seconds",
				Help:      "Backend round trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
	}
}

// ConnectionOpened records an accepted client connection.
func (m *Metrics) ConnectionOpened(protocol string) {
	m.ActiveConnections.WithLabelValues(protocol).Inc()
	m.TotalConnections.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records a closed client connection that lived since opened.
func (m *Metrics) ConnectionClosed(protocol string, opened time.Time) {
	m.ActiveConnections.WithLabelValues(protocol).Dec()
	m.ConnectionDuration.WithLabelValues(protocol).Observe(time.Since(opened).Seconds())
}

// ObserveRequest records a request answered with status after d.
func (m *Metrics) ObserveRequest(protocol, method string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(protocol, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(protocol, method).Observe(d.Seconds())
}

// ObserveBackend records one backend round trip. errType is empty on success.
func (m *Metrics) ObserveBackend(backend string, status int, errType string, d time.Duration) {
	m.BackendDuration.WithLabelValues(backend).Observe(d.Seconds())
	if errType != "" {
		m.BackendErrors.WithLabelValues(backend, errType).Inc()
		m.BackendRequestsTotal.WithLabelValues(backend, "error").Inc()
		return
	}
	m.BackendRequestsTotal.WithLabelValues(backend, strconv.Itoa(status)).Inc()
}
