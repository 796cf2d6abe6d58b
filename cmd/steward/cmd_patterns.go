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
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/steward/services/policy_engine"
)

// PatternMatch is one detector hit with its position.
type PatternMatch struct {
	policy_engine.Match
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}

// PatternReport is the output of `steward patterns`.
type PatternReport struct {
	Classification string                      `json:"classification"`
	Matches        []PatternMatch              `json:"matches"`
	Lines          []policy_engine.ScanFinding `json:"lines,omitempty"`
}

type patternsFlags struct {
	list     bool
	lines    bool
	families []string
	table    string
}

func newPatternsCmd(a *app) *cobra.Command {
	f := &patternsFlags{}
	cmd := &cobra.Command{
		Use:   "patterns [file|-]",
		Short: "Run the detector tables over text",
		Long: `Run the detector tables the lenses use over a file or stdin and
report every match. Useful when writing contracts and debugging verdicts.

  steward patterns --list
  steward patterns reply.txt --family pii --family credentials
  echo "call me at 555-123-4567" | steward patterns -
  steward patterns reply.txt --lines     (line-level regex audit)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := loadPatternLibrary(f.table)
			if err != nil {
				return err
			}
			p := a.printer(cmd)

			if f.list || len(args) == 0 {
				return printFamilies(p, lib)
			}

			text, err := readPatternInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			report, err := scanPatterns(lib, text, f.families, f.lines)
			if err != nil {
				return err
			}
			return printPatternReport(p, report)
		},
	}
	cmd.Flags().BoolVar(&f.list, "list", false, "List detector families and exit")
	cmd.Flags().BoolVar(&f.lines, "lines", false, "Also report line-level regex findings with confidence")
	cmd.Flags().StringArrayVar(&f.families, "family", nil, "Only report this family (repeatable)")
	cmd.Flags().StringVar(&f.table, "table", "", "Use this pattern table YAML instead of the built-in one")
	return cmd
}

func loadPatternLibrary(path string) (*policy_engine.PatternLibrary, error) {
	if path == "" {
		return policy_engine.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern table: %w", err)
	}
	return policy_engine.NewPatternLibraryFromYAML(data)
}

func readPatternInput(stdin io.Reader, arg string) (string, error) {
	var r io.Reader = stdin
	if arg != "-" {
		file, err := os.Open(arg)
		if err != nil {
			return "", err
		}
		defer file.Close()
		r = file
	}
	data, err := io.ReadAll(io.LimitReader(r, maxOutputBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxOutputBytes {
		return "", fmt.Errorf("input exceeds 1 MiB")
	}
	return string(data), nil
}

// scanPatterns runs every selected family over text.
func scanPatterns(lib *policy_engine.PatternLibrary, text string, only []string, lines bool) (PatternReport, error) {
	families := lib.Families()
	if len(only) > 0 {
		known := make(map[policy_engine.Family]bool, len(families))
		for _, fam := range families {
			known[fam] = true
		}
		families = families[:0:0]
		for _, name := range only {
			fam := policy_engine.Family(name)
			if !known[fam] {
				return PatternReport{}, fmt.Errorf("unknown pattern family %q", name)
			}
			families = append(families, fam)
		}
	}

	report := PatternReport{
		Classification: lib.ClassifyData([]byte(text)),
		Matches:        []PatternMatch{},
	}
	for _, fam := range families {
		for _, m := range lib.Find(fam, text) {
			line, col := position(text, m.Start)
			report.Matches = append(report.Matches, PatternMatch{Match: m, Line: line, Column: col, Text: m.Text(text)})
		}
	}
	if lines {
		report.Lines = lib.ScanContent(text)
	}
	return report, nil
}

// position converts a byte offset to a 1-based line and byte column.
func position(text string, offset int) (line, col int) {
	before := text[:offset]
	line = strings.Count(before, "\n") + 1
	col = offset - strings.LastIndexByte(before, '\n')
	return line, col
}

func printFamilies(p *printer, lib *policy_engine.PatternLibrary) error {
	families := lib.Families()
	if p.json {
		return p.JSON(families)
	}
	for _, fam := range families {
		p.printf("%s\n", fam)
	}
	return nil
}

func printPatternReport(p *printer, report PatternReport) error {
	if p.json {
		return p.JSON(report)
	}
	p.printf("Classification: %s\n", report.Classification)
	if len(report.Matches) == 0 {
		p.printf("No matches.\n")
	}
	for _, m := range report.Matches {
		p.printf("%4d:%-4d %-15s %-28s %q\n", m.Line, m.Column, p.paint(ansiYellow, string(m.Family)), m.Label, m.Text)
	}
	if len(report.Lines) > 0 {
		p.printf("\nLine findings:\n")
		for _, f := range report.Lines {
			p.printf("%4d %-12s %-6s %s\n", f.LineNumber, f.ClassificationName, f.Confidence, f.PatternDescription)
		}
	}
	return nil
}
