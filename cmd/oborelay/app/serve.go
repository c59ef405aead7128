// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/oborelay/oborelay/pkg/broker"
	"github.com/oborelay/oborelay/pkg/broker/config"
	"github.com/oborelay/oborelay/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long: `Start the broker HTTP server.

The configuration file given by --config is read first; every setting can be
overridden with an OBORELAY_ environment variable, e.g. OBORELAY_ISSUER or
OBORELAY_UPSTREAM_CLIENT_SECRET.`,
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "Listen address (overrides listen_address)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddress = listen
	}

	b, err := broker.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warnf("Error closing broker: %v", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
	}
	return serve(ctx, ln, b.Handler())
}

// serve runs handler on ln until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("broker listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down broker")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
