// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"

	"github.com/absmach/penumbra/pkg/errors"
	"go.uber.org/multierr"
)

// ProtoPorts maps the port clients connect to onto the backend port.
type ProtoPorts struct {
	Listen  uint16
	Connect uint16
}

// TLSMaterial holds PEM encoded key material for the HTTPS listener.
type TLSMaterial struct {
	CertChain  []byte
	PrivateKey []byte
}

// Config is the validated proxy configuration. It is built once at startup
// and never mutated afterwards, so handlers share it without locking.
type Config struct {
	HTTP      *ProtoPorts
	HTTPS     *ProtoPorts
	ListenIP  netip.Addr
	ConnectIP netip.Addr
	TLS       *TLSMaterial
}

// Validate reports every violated invariant of c.
func (c Config) Validate() error {
	var err error
	if c.HTTP == nil && c.HTTPS == nil {
		err = multierr.Append(err, fmt.Errorf("%w: at least one of http or https ports must be set", errors.ErrInvalidConfig))
	}
	if c.HTTP != nil {
		err = multierr.Append(err, c.HTTP.validate(HTTP))
	}
	if c.HTTPS != nil {
		err = multierr.Append(err, c.HTTPS.validate(HTTPS))
		if c.TLS == nil || len(c.TLS.CertChain) == 0 || len(c.TLS.PrivateKey) == 0 {
			err = multierr.Append(err, fmt.Errorf("%w: https requires a certificate chain and a private key", errors.ErrInvalidConfig))
		}
	}
	if !c.ListenIP.IsValid() {
		err = multierr.Append(err, fmt.Errorf("%w: invalid listen IP", errors.ErrInvalidConfig))
	}
	if !c.ConnectIP.IsValid() {
		err = multierr.Append(err, fmt.Errorf("%w: invalid connect IP", errors.ErrInvalidConfig))
	}
	return err
}

func (p ProtoPorts) validate(proto Protocol) error {
	var err error
	if p.Listen == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %s listen port must not be 0", errors.ErrInvalidConfig, proto))
	}
	if p.Connect == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %s connect port must not be 0", errors.ErrInvalidConfig, proto))
	}
	return err
}

// Protocols returns the protocols that have a port mapping, HTTP first.
func (c Config) Protocols() []Protocol {
	var protos []Protocol
	if c.HTTP != nil {
		protos = append(protos, HTTP)
	}
	if c.HTTPS != nil {
		protos = append(protos, HTTPS)
	}
	return protos
}

// Ports returns the port mapping for proto.
func (c Config) Ports(proto Protocol) (ProtoPorts, error) {
	var p *ProtoPorts
	switch proto {
	case HTTP:
		p = c.HTTP
	case HTTPS:
		p = c.HTTPS
	}
	if p == nil {
		return ProtoPorts{}, fmt.Errorf("%w: %s", errors.ErrProtocolNotConfigured, proto)
	}
	return *p, nil
}

// ListenAddress returns the host:port the listener for proto binds to.
func (c Config) ListenAddress(proto Protocol) (string, error) {
	p, err := c.Ports(proto)
	if err != nil {
		return "", err
	}
	return netip.AddrPortFrom(c.ListenIP, p.Listen).String(), nil
}

// Target returns the upstream base URL for requests received over proto.
// The upstream hop is always plain HTTP.
func (c Config) Target(proto Protocol) (*url.URL, error) {
	p, err := c.Ports(proto)
	if err != nil {
		return nil, err
	}
	if !c.ConnectIP.IsValid() {
		return nil, fmt.Errorf("%w: invalid connect IP", errors.ErrURIConstruction)
	}
	if p.Connect == 0 {
		return nil, fmt.Errorf("%w: connect port is 0", errors.ErrURIConstruction)
	}

	authority := net.JoinHostPort(c.ConnectIP.Unmap().String(), strconv.Itoa(int(p.Connect)))
	target, err := url.Parse("http://" + authority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrURIConstruction, err)
	}
	return target, nil
}
