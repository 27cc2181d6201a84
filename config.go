// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package penumbra loads the process configuration of the penumbra reverse
// proxy.
package penumbra

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	perrors "github.com/absmach/penumbra/pkg/errors"
	"github.com/absmach/penumbra/pkg/forward"
	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix scopes every environment variable read by Load.
const EnvPrefix = "PENUMBRA_"

// Config is the process configuration. Zero ports mean "not set".
type Config struct {
	ListenIP  string `env:"LISTEN_IP"  yaml:"listen_ip"`
	ConnectIP string `env:"CONNECT_IP" yaml:"connect_ip"`

	HTTPListenPort  uint16 `env:"HTTP_LISTEN_PORT"  yaml:"http_listen_port"`
	HTTPConnectPort uint16 `env:"HTTP_CONNECT_PORT" yaml:"http_connect_port"`

	HTTPSListenPort  uint16 `env:"HTTPS_LISTEN_PORT"  yaml:"https_listen_port"`
	HTTPSConnectPort uint16 `env:"HTTPS_CONNECT_PORT" yaml:"https_connect_port"`
	TLSCertFile      string `env:"TLS_CERT"           yaml:"tls_cert"`
	TLSKeyFile       string `env:"TLS_KEY"            yaml:"tls_key"`

	// AdminAddress serves metrics and health endpoints. Empty disables it.
	AdminAddress string `env:"ADMIN_ADDRESS" yaml:"admin_address"`

	LogLevel  string `env:"LOG_LEVEL"  yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"     yaml:"dial_timeout"`
	ResponseTimeout time.Duration `env:"RESPONSE_TIMEOUT" yaml:"response_timeout"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenIP:        "0.0.0.0",
		ConnectIP:       "127.0.0.1",
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 30 * time.Second,
		DialTimeout:     10 * time.Second,
	}
}

// Load layers the YAML file at path (skipped when empty) and then the
// environment over the defaults. Defaults live in code rather than in
// envDefault tags so that unset variables leave file values alone.
func Load(path string, opts env.Options) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: failed to read config file: %w", perrors.ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: failed to parse config file %s: %w", perrors.ErrInvalidConfig, path, err)
		}
	}

	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("%w: %w", perrors.ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Validate enforces the all-or-nothing protocol groups and reports every
// problem found.
func (c Config) Validate() error {
	var err error

	if _, e := netip.ParseAddr(c.ListenIP); e != nil {
		err = multierr.Append(err, fmt.Errorf("%w: listen ip %q: %w", perrors.ErrInvalidConfig, c.ListenIP, e))
	}
	if _, e := netip.ParseAddr(c.ConnectIP); e != nil {
		err = multierr.Append(err, fmt.Errorf("%w: connect ip %q: %w", perrors.ErrInvalidConfig, c.ConnectIP, e))
	}

	httpSet := []bool{c.HTTPListenPort != 0, c.HTTPConnectPort != 0}
	httpsSet := []bool{c.HTTPSListenPort != 0, c.HTTPSConnectPort != 0, c.TLSCertFile != "", c.TLSKeyFile != ""}

	if partial(httpSet) {
		err = multierr.Append(err, fmt.Errorf("%w: http listen and connect ports must be set together", perrors.ErrInvalidConfig))
	}
	if partial(httpsSet) {
		err = multierr.Append(err, fmt.Errorf("%w: https listen port, connect port, tls cert and tls key must be set together", perrors.ErrInvalidConfig))
	}
	if !allSet(httpSet) && !allSet(httpsSet) {
		err = multierr.Append(err, fmt.Errorf("%w: at least one of http or https must be configured", perrors.ErrInvalidConfig))
	}

	return err
}

// ProxyConfig validates c, reads the TLS files and returns the core
// forwarding configuration.
func (c Config) ProxyConfig() (forward.Config, error) {
	if err := c.Validate(); err != nil {
		return forward.Config{}, err
	}

	cfg := forward.Config{
		ListenIP:  netip.MustParseAddr(c.ListenIP),
		ConnectIP: netip.MustParseAddr(c.ConnectIP),
	}
	if c.HTTPListenPort != 0 {
		cfg.HTTP = &forward.ProtoPorts{Listen: c.HTTPListenPort, Connect: c.HTTPConnectPort}
	}
	if c.HTTPSListenPort != 0 {
		cfg.HTTPS = &forward.ProtoPorts{Listen: c.HTTPSListenPort, Connect: c.HTTPSConnectPort}

		chain, err := os.ReadFile(c.TLSCertFile)
		if err != nil {
			return forward.Config{}, fmt.Errorf("%w: failed to read tls cert: %w", perrors.ErrInvalidConfig, err)
		}
		key, err := os.ReadFile(c.TLSKeyFile)
		if err != nil {
			return forward.Config{}, fmt.Errorf("%w: failed to read tls key: %w", perrors.ErrInvalidConfig, err)
		}
		cfg.TLS = &forward.TLSMaterial{CertChain: chain, PrivateKey: key}
	}

	if err := cfg.Validate(); err != nil {
		return forward.Config{}, err
	}
	return cfg, nil
}

func partial(set []bool) bool {
	return !allSet(set) && anySet(set)
}

func allSet(set []bool) bool {
	for _, s := range set {
		if !s {
			return false
		}
	}
	return true
}

func anySet(set []bool) bool {
	for _, s := range set {
		if s {
			return true
		}
	}
	return false
}
