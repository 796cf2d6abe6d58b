// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/pkg/telemetry"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/server"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr         string
		contractPath string
		provider     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the evaluation HTTP API",
		Long: `Serve the evaluation API until interrupted.

A default contract given with --contract (or server.contract) is reloaded
whenever the file changes; an invalid edit keeps the previous version.
Set server.api_token or STEWARD_API_TOKEN to require a bearer token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			if contractPath == "" {
				contractPath = a.cfg.Server.Contract
			}
			return runServe(cmd.Context(), a, addr, contractPath, provider)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVarP(&contractPath, "contract", "c", "", "Default contract file, hot-reloaded")
	cmd.Flags().StringVar(&provider, "provider", "", "Completion provider for assisted lenses (overrides config)")
	return cmd
}

func runServe(parent context.Context, a *app, addr, contractPath, provider string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := a.logger()

	shutdownTelemetry, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	st, err := buildStack(ctx, a.cfg, provider, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logger.Warn("close stack", slog.String("error", err.Error()))
		}
	}()

	opts := []server.Option{server.WithLogger(logger), server.WithMetrics(metrics)}
	if st.journal != nil {
		opts = append(opts, server.WithAuditLog(st.journal))
	}
	if token := a.cfg.Server.ResolvedAPIToken(); token != "" {
		opts = append(opts, server.WithAuth(&extensions.StaticTokenAuthProvider{Token: token}))
	}

	if contractPath != "" {
		w, err := contract.NewWatcher(contractPath,
			contract.WithWatchLogger(logger),
			contract.WithReloadHook(func(c *contract.Contract) {
				logger.Info("contract reloaded", slog.String("contract", c.Identity()))
			}))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			w.Stop()
			return err
		}
		defer w.Stop()
		logger.Info("default contract loaded", slog.String("contract", w.Current().Identity()))
		opts = append(opts, server.WithContractSource(w))
	}

	if a.logger().Enabled(ctx, slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return server.New(st.orch, opts...).Run(ctx, addr)
}
