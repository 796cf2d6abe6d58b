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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/steward/services/llm"
)

// ProviderInfo is one row of `steward providers`.
type ProviderInfo struct {
	Type         string `json:"type"`
	Description  string `json:"description"`
	DefaultModel string `json:"default_model,omitempty"`
	Configured   bool   `json:"configured"`

	// Healthy is set only with --check, for the configured provider.
	Healthy *bool  `json:"healthy,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newProvidersCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List completion providers",
		Long: `List the completion providers that can back the assisted lenses.
With --check, the configured provider is created and health-checked; this
resolves its credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos := listProviders(cmd.Context(), llm.DefaultRegistry(), a.cfg.Provider.Type, a.cfg.Provider.Settings, check)

			p := a.printer(cmd)
			if p.json {
				return p.JSON(infos)
			}
			for _, info := range infos {
				marker := " "
				if info.Configured {
					marker = p.paint(ansiGreen, "*")
				}
				p.printf("%s %-10s %-28s %s\n", marker, info.Type, info.DefaultModel, info.Description)
				switch {
				case info.Error != "":
					p.printf("  %-10s %s\n", "", p.paint(ansiRed, info.Error))
				case info.Healthy != nil && *info.Healthy:
					p.printf("  %-10s %s\n", "", p.paint(ansiGreen, "healthy"))
				case info.Healthy != nil:
					p.printf("  %-10s %s\n", "", p.paint(ansiYellow, "unhealthy"))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Create and health-check the configured provider")
	return cmd
}

func listProviders(ctx context.Context, reg *llm.Registry, configured string, settings llm.Config, check bool) []ProviderInfo {
	types := reg.AvailableTypes()
	infos := make([]ProviderInfo, 0, len(types))
	for _, t := range types {
		f, _ := reg.Factory(t)
		info := ProviderInfo{
			Type:         t,
			Description:  f.Description(),
			DefaultModel: f.DefaultConfig()["model"],
			Configured:   t == configured,
		}
		if info.Configured {
			if err := reg.Validate(t, settings); err != nil {
				info.Error = err.Error()
			} else if check {
				info.Healthy, info.Error = healthCheck(ctx, reg, t, settings)
			}
		}
		infos = append(infos, info)
	}
	return infos
}

func healthCheck(ctx context.Context, reg *llm.Registry, providerType string, settings llm.Config) (*bool, string) {
	provider, err := reg.Create(providerType, settings)
	if err != nil {
		return nil, err.Error()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	healthy := provider.HealthCheck(ctx)
	return &healthy, ""
}
