// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the forwarding engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidConfig indicates a configuration that failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProtocolNotConfigured indicates a listener or lookup for a protocol
	// that has no port mapping. It is an invariant violation and is only ever
	// fatal at startup.
	ErrProtocolNotConfigured = errors.New("protocol not configured")

	// ErrURIConstruction indicates the upstream target could not be built
	// from the inbound request and the port mapping.
	ErrURIConstruction = errors.New("cannot construct upstream URI")

	// ErrBackendConnection indicates the backend could not be reached or
	// failed while the response was read.
	ErrBackendConnection = errors.New("backend connection failed")

	// ErrBackendTimeout indicates the backend did not answer in time.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrClientDisconnect indicates the client went away before the response
	// was complete.
	ErrClientDisconnect = errors.New("client disconnected")
)

// ProxyError wraps a per-request error with its connection context.
type ProxyError struct {
	Op         string // Operation that failed
	Protocol   string // http or https
	SessionID  string // Connection session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Classify attaches one of the sentinel errors to a transport error returned
// while talking to the backend. reqErr is the error of the client request's
// context, if any; a cancelled client context wins over everything else.
func Classify(err, reqErr error) error {
	switch {
	case err == nil:
		return nil
	case reqErr != nil && errors.Is(reqErr, context.Canceled):
		return fmt.Errorf("%w: %w", ErrClientDisconnect, err)
	case errors.Is(err, ErrClientDisconnect), errors.Is(err, ErrBackendTimeout), errors.Is(err, ErrBackendConnection):
		return err
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrBackendConnection, err)
	}
}

// StatusCode returns the gateway status reported to the client for err.
func StatusCode(err error) int {
	if errors.Is(err, ErrBackendTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
