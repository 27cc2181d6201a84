// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package forward

import "fmt"

// Protocol is the client-facing protocol of a listener.
type Protocol int

const (
	// HTTP is plain HTTP/1.1 on the client edge.
	HTTP Protocol = iota

	// HTTPS is HTTP/1.1 over TLS terminated by the proxy.
	HTTPS
)

// String returns a string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case HTTP:
		return "http"
	case HTTPS:
		return "https"
	default:
		return "unknown"
	}
}

// ParseProtocol parses the string form produced by Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "http":
		return HTTP, nil
	case "https":
		return HTTPS, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}
