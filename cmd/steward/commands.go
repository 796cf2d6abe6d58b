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
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/steward/cmd/steward/config"
	"github.com/AleutianAI/steward/pkg/logging"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

// app holds the persistent flags and what PersistentPreRunE builds from
// them.
type app struct {
	configPath string
	logLevel   string
	jsonOut    bool
	noColor    bool

	cfg config.StewardConfig
	log *logging.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "steward",
		Short: "Evaluate AI outputs against stewardship contracts",
		Long: `Steward checks an AI system's output against a stewardship contract
through five lenses (dignity, boundaries, restraint, transparency and
accountability) and returns one verdict: proceed, escalate or blocked.

Configuration is read from --config, $STEWARD_CONFIG, or
~/.steward/steward.yaml, in that order.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to steward.yaml")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.BoolVar(&a.jsonOut, "json", false, "Output as JSON")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable coloured output")

	root.AddCommand(
		newEvaluateCmd(a),
		newValidateCmd(a),
		newServeCmd(a),
		newProvidersCmd(a),
		newPatternsCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	lc, err := cfg.LoggerConfig(a.logLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	lc.Output = cmd.ErrOrStderr()

	a.cfg = cfg
	a.log = logging.New(lc)
	a.log.SetDefault()
	return nil
}

func (a *app) loadConfig() (config.StewardConfig, error) {
	if a.configPath != "" {
		return config.LoadFile(a.configPath)
	}
	if err := config.Load(); err != nil {
		return config.StewardConfig{}, err
	}
	return config.Global, nil
}

func (a *app) logger() *slog.Logger {
	if a.log == nil {
		return slog.Default()
	}
	return a.log.Slog()
}

func (a *app) printer(cmd *cobra.Command) *printer {
	return newPrinter(cmd.OutOrStdout(), a.jsonOut, a.noColor)
}

func (a *app) close() {
	if a.log != nil {
		_ = a.log.Close()
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := a.printer(cmd)
			if p.json {
				return p.JSON(map[string]string{
					"version": version,
					"commit":  commit,
					"go":      runtime.Version(),
				})
			}
			p.printf("steward %s (%s, %s)\n", version, commit, runtime.Version())
			return nil
		},
	}
}
