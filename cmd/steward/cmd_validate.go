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
	"errors"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/steward/services/steward/contract"
)

// ContractCheck is one line of `steward validate` output.
type ContractCheck struct {
	Path     string `json:"path"`
	Valid    bool   `json:"valid"`
	Identity string `json:"identity,omitempty"`
	Rules    int    `json:"rules,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newValidateCmd(a *app) *cobra.Command {
	var printSchema bool
	cmd := &cobra.Command{
		Use:   "validate [contract...]",
		Short: "Validate contract files",
		Long: `Parse and validate one or more contract files against the contract
schema and structural rules. Exits 1 if any file is invalid.

  steward validate contracts/*.yaml
  steward validate --schema > contract.schema.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.printer(cmd)
			if printSchema {
				_, err := p.w.Write(contract.SchemaJSON())
				return err
			}
			if len(args) == 0 {
				return errors.New("at least one contract file is required")
			}

			checks := make([]ContractCheck, 0, len(args))
			allValid := true
			for _, path := range args {
				check := checkContract(path)
				allValid = allValid && check.Valid
				checks = append(checks, check)
			}

			if p.json {
				if err := p.JSON(checks); err != nil {
					return err
				}
			} else {
				for _, c := range checks {
					if c.Valid {
						p.printf("%s %s: %s (%d rules)\n", p.paint(ansiGreen, "ok  "), c.Path, c.Identity, c.Rules)
					} else {
						p.printf("%s %s: %s\n", p.paint(ansiRed, "FAIL"), c.Path, c.Error)
					}
				}
			}
			if !allValid {
				return &exitError{code: ExitError}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printSchema, "schema", false, "Print the contract JSON Schema and exit")
	return cmd
}

func checkContract(path string) ContractCheck {
	c, err := contract.LoadFile(path)
	if err != nil {
		return ContractCheck{Path: path, Error: err.Error()}
	}
	return ContractCheck{Path: path, Valid: true, Identity: c.Identity(), Rules: len(c.AllRules())}
}
