// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package forward holds the forwarding engine: the validated port mapping,
// request rewriting, identity headers and the backend client. The upstream
// hop is always plain HTTP/1.1 to connect_ip.
package forward
