// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	// ClientIdentityHeader carries the IP of the connecting peer upstream.
	ClientIdentityHeader = "Forwarded"

	// ProxyIdentityHeader marks responses that passed through the proxy.
	ProxyIdentityHeader = "X-Proxy-Shim"

	// ProxyIdentity is the value of ProxyIdentityHeader.
	ProxyIdentity = "penumbra"
)

// RewriteURL returns a copy of in addressed at target. The scheme and
// authority come from target, everything else from in.
func RewriteURL(in, target *url.URL) *url.URL {
	out := *in
	out.Scheme = "http"
	out.Host = target.Host
	out.User = nil
	out.Opaque = ""
	out.OmitHost = false
	return &out
}

// SetClientIdentity overwrites the client identity header with the IP of
// remote. Prior values are discarded, never appended to.
func SetClientIdentity(h http.Header, remote net.Addr) {
	h.Set(ClientIdentityHeader, ClientIP(remote))
}

// SetProxyIdentity sets the proxy identity marker.
func SetProxyIdentity(h http.Header) {
	h.Set(ProxyIdentityHeader, ProxyIdentity)
}

// ClientIP returns the IP part of addr as a string. When no IP can be
// recovered the address string is returned unchanged.
func ClientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	return HostIP(addr.String())
}

// HostIP strips the port from a host:port string.
func HostIP(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]")
	}
	return host
}
