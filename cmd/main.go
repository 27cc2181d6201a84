// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the penumbra reverse proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/penumbra"
	"github.com/absmach/penumbra/pkg/forward"
	"github.com/absmach/penumbra/pkg/health"
	"github.com/absmach/penumbra/pkg/logger"
	"github.com/absmach/penumbra/pkg/metrics"
	"github.com/absmach/penumbra/pkg/proxy"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const configEnv = penumbra.EnvPrefix + "CONFIG"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath     string
		verbose, quiet int
		flagged        = penumbra.Default()
	)

	cmd := &cobra.Command{
		Use:          "penumbra",
		Short:        "Single-hop reverse proxy in front of one internal web server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// .env file is optional
			_ = godotenv.Load()

			cfg, err := loadConfig(cmd.Flags(), configPath, flagged)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, verbose, quiet)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configPath, "config", "c", "", "YAML configuration file (env "+configEnv+")")
	fs.CountVarP(&verbose, "verbose", "v", "raise log verbosity, repeatable")
	fs.CountVarP(&quiet, "quiet", "q", "lower log verbosity, repeatable")

	fs.StringVar(&flagged.ListenIP, "listen-ip", flagged.ListenIP, "IP address to listen on")
	fs.StringVar(&flagged.ConnectIP, "connect-ip", flagged.ConnectIP, "IP address of the backend")
	fs.Uint16Var(&flagged.HTTPListenPort, "http-listen-port", 0, "port accepting HTTP clients")
	fs.Uint16Var(&flagged.HTTPConnectPort, "http-connect-port", 0, "backend port for HTTP clients")
	fs.Uint16Var(&flagged.HTTPSListenPort, "https-listen-port", 0, "port accepting HTTPS clients")
	fs.Uint16Var(&flagged.HTTPSConnectPort, "https-connect-port", 0, "backend port for HTTPS clients")
	fs.StringVar(&flagged.TLSCertFile, "tls-cert", "", "PEM certificate chain for the HTTPS listener")
	fs.StringVar(&flagged.TLSKeyFile, "tls-key", "", "PEM private key for the HTTPS listener")
	fs.StringVar(&flagged.AdminAddress, "admin-address", "", "address serving /metrics and health probes")
	fs.StringVar(&flagged.LogLevel, "log-level", flagged.LogLevel, "off, error, warn, info, debug or trace")
	fs.StringVar(&flagged.LogFormat, "log-format", flagged.LogFormat, "json or text")
	fs.DurationVar(&flagged.ShutdownTimeout, "shutdown-timeout", flagged.ShutdownTimeout, "time to drain connections on shutdown")
	fs.DurationVar(&flagged.DialTimeout, "dial-timeout", flagged.DialTimeout, "backend connect timeout")
	fs.DurationVar(&flagged.ResponseTimeout, "response-timeout", 0, "backend response header timeout, 0 disables")

	return cmd
}

// loadConfig resolves defaults, the config file and the environment, then
// applies only the flags that were given on the command line.
func loadConfig(fs *pflag.FlagSet, path string, flagged penumbra.Config) (penumbra.Config, error) {
	if path == "" {
		path = os.Getenv(configEnv)
	}
	cfg, err := penumbra.Load(path, env.Options{Prefix: penumbra.EnvPrefix})
	if err != nil {
		return penumbra.Config{}, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen-ip":
			cfg.ListenIP = flagged.ListenIP
		case "connect-ip":
			cfg.ConnectIP = flagged.ConnectIP
		case "http-listen-port":
			cfg.HTTPListenPort = flagged.HTTPListenPort
		case "http-connect-port":
			cfg.HTTPConnectPort = flagged.HTTPConnectPort
		case "https-listen-port":
			cfg.HTTPSListenPort = flagged.HTTPSListenPort
		case "https-connect-port":
			cfg.HTTPSConnectPort = flagged.HTTPSConnectPort
		case "tls-cert":
			cfg.TLSCertFile = flagged.TLSCertFile
		case "tls-key":
			cfg.TLSKeyFile = flagged.TLSKeyFile
		case "admin-address":
			cfg.AdminAddress = flagged.AdminAddress
		case "log-level":
			cfg.LogLevel = flagged.LogLevel
		case "log-format":
			cfg.LogFormat = flagged.LogFormat
		case "shutdown-timeout":
			cfg.ShutdownTimeout = flagged.ShutdownTimeout
		case "dial-timeout":
			cfg.DialTimeout = flagged.DialTimeout
		case "response-timeout":
			cfg.ResponseTimeout = flagged.ResponseTimeout
		}
	})

	return cfg, nil
}

func run(ctx context.Context, cfg penumbra.Config, verbose, quiet int) error {
	level, err := logger.Verbosity(cfg.LogLevel, verbose, quiet)
	if err != nil {
		return err
	}
	log, err := logger.New(os.Stdout, level, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	fwd, err := cfg.ProxyConfig()
	if err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("penumbra", reg)

	client := forward.NewClient(forward.ClientConfig{
		DialTimeout:     cfg.DialTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		Metrics:         m,
		Logger:          log,
	})

	checker := health.NewChecker(10 * time.Second)

	var listeners []*proxy.Listener
	for _, proto := range fwd.Protocols() {
		l, err := proxy.New(fwd, proto, proxy.Options{
			ShutdownTimeout: cfg.ShutdownTimeout,
			Client:          client,
			Metrics:         m,
			Logger:          log,
		})
		if err != nil {
			log.Error("failed to create listener", slog.String("protocol", proto.String()), slog.String("error", err.Error()))
			return err
		}
		listeners = append(listeners, l)

		target, err := fwd.Target(proto)
		if err != nil {
			return err
		}
		checker.Register("backend_"+proto.String(), health.DialCheck(target.Host, cfg.DialTimeout))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		l := l
		g.Go(func() error {
			return l.Listen(ctx)
		})
	}

	if cfg.AdminAddress != "" {
		g.Go(func() error {
			return serveAdmin(ctx, cfg.AdminAddress, reg, checker, log)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, log)
	})

	if err := g.Wait(); err != nil {
		log.Error(fmt.Sprintf("penumbra terminated with error: %s", err))
		return err
	}
	log.Info("penumbra stopped")
	return nil
}

func serveAdmin(ctx context.Context, address string, reg *prometheus.Registry, checker *health.Checker, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("admin server listening", slog.String("address", address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
