// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Report is the body served by the health endpoints.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]Check
	ttl    time.Duration
}

// NewChecker creates a new health checker whose results are cached for cacheTTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Health runs every registered check and returns the overall status: healthy
// when all pass, unhealthy when all fail, degraded otherwise.
func (c *Checker) Health(ctx context.Context) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := Report{Status: StatusHealthy, Checks: make([]Check, 0, len(names))}
	failed := 0
	for _, name := range names {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			check = run(ctx, name, c.checks[name])
			c.cache[name] = check
		}
		if check.Status != StatusHealthy {
			failed++
		}
		report.Checks = append(report.Checks, check)
	}

	switch {
	case failed == 0:
	case failed == len(names):
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}
	return report
}

func run(ctx context.Context, name string, fn CheckFunc) Check {
	start := time.Now()
	err := fn(ctx)
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    time.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler returns an HTTP handler for health checks. Degraded still
// answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s != StatusUnhealthy })
}

// ReadinessHandler returns a readiness probe handler. Only healthy answers 200.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s == StatusHealthy })
}

func (c *Checker) handler(ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if ok(report.Status) {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// DialCheck reports whether a TCP connection to address can be opened
// within timeout.
func DialCheck(address string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("backend %s unreachable: %w", address, err)
		}
		return conn.Close()
	}
}
