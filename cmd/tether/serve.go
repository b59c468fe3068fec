// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tether-dev/tether/internal/config"
)

const (
	reaperInterval  = 30 * time.Second
	janitorInterval = 5 * time.Minute
	janitorStale    = 10 * time.Minute
	shutdownGrace   = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tether control core and ops server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				var err error
				cfgPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			return runServe(cmd.Context(), cfgPath)
		},
	}
}

func runServe(parent context.Context, cfgPath string) error {
	logger := slog.Default()

	app, err := buildApp(cfgPath, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.Manager.StartReaper(ctx, reaperInterval, app.Config.Timeouts.Idle)
	app.Limiter.StartJanitor(ctx, janitorInterval, janitorStale)

	logger.Info("tether starting",
		"listen", app.Config.Server.Listen,
		"sandbox_root", app.Sandbox.Root(),
		"agent_backend", app.Config.Agent.Backend,
		"identities", len(app.Config.Identities))

	err = app.Server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	app.Manager.Shutdown(shutdownCtx)

	logger.Info("tether stopped")
	return err
}
