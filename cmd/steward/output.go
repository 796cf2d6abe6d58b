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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/steward/services/steward/orchestrator"
	"github.com/AleutianAI/steward/services/steward/types"
)

// Exit codes for every command. evaluate maps its verdict onto them.
const (
	ExitProceed  = 0
	ExitError    = 1
	ExitEscalate = 2
	ExitBlocked  = 3
)

// exitCodeFor maps a verdict to the process exit code.
func exitCodeFor(v types.Verdict) int {
	switch v {
	case types.VerdictProceed:
		return ExitProceed
	case types.VerdictEscalate:
		return ExitEscalate
	case types.VerdictBlocked:
		return ExitBlocked
	default:
		return ExitError
	}
}

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiDim    = "\033[2m"
)

// printer writes command output as text or JSON.
type printer struct {
	w     io.Writer
	json  bool
	color bool
}

// newPrinter enables colour only when w is a terminal and neither
// --no-color nor NO_COLOR is set.
func newPrinter(w io.Writer, jsonOut, noColor bool) *printer {
	return &printer{w: w, json: jsonOut, color: !jsonOut && !noColor && isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + ansiReset
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// JSON writes v indented.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) verdictLabel(v types.Verdict) string {
	label := strings.ToUpper(string(v))
	switch v {
	case types.VerdictProceed:
		return p.paint(ansiBold+ansiGreen, label)
	case types.VerdictEscalate:
		return p.paint(ansiBold+ansiYellow, label)
	default:
		return p.paint(ansiBold+ansiRed, label)
	}
}

func (p *printer) statusLabel(s types.LensStatus) string {
	label := fmt.Sprintf("%-8s", strings.ToUpper(string(s)))
	switch s {
	case types.LensPass:
		return p.paint(ansiGreen, label)
	case types.LensEscalate:
		return p.paint(ansiYellow, label)
	default:
		return p.paint(ansiRed, label)
	}
}

// Evaluation renders an orchestrated result.
func (p *printer) Evaluation(contractID string, res orchestrator.Result) error {
	if p.json {
		return p.JSON(res)
	}
	eval := res.Evaluation

	p.printf("Verdict:    %s (confidence %.2f)\n", p.verdictLabel(eval.State.Verdict), eval.Confidence)
	p.printf("Contract:   %s\n", contractID)
	p.printf("Evaluation: %s\n", eval.EvaluationID)
	if eval.State.Summary != "" {
		p.printf("Summary:    %s\n", eval.State.Summary)
	}

	switch eval.State.Verdict {
	case types.VerdictBlocked:
		if v := eval.State.Violation; v != nil {
			p.printf("\nViolation:  %s %s (%s)\n", v.RuleID, v.RuleText, v.Lens)
			p.printf("Contact:    %s\n", v.AccountableHuman)
			for _, ev := range v.Evidence {
				p.printEvidence("  ", ev)
			}
		}
	case types.VerdictEscalate:
		p.printf("\nDecision:   %s\n", eval.State.DecisionPoint)
		if eval.State.Uncertainty != "" {
			p.printf("Uncertain:  %s\n", eval.State.Uncertainty)
		}
		for _, opt := range eval.State.Options {
			p.printf("  - %s\n", opt)
		}
	}

	p.printf("\nLenses:\n")
	for _, f := range eval.LensFindings.InOrder() {
		detail := f.State.Reason
		if f.State.Status == types.LensBlocked {
			detail = f.State.Violation
		}
		p.printf("  %-28s %s %s %s\n", f.Lens, p.statusLabel(f.State.Status),
			p.paint(ansiDim, fmt.Sprintf("%.2f", f.Confidence)), detail)
		if reason, ok := res.Fallbacks[f.Lens.String()]; ok {
			p.printf("  %-28s %s\n", "", p.paint(ansiDim, "fallback: "+reason))
		}
	}

	if u := res.Usage; u.LLMCalls > 0 || u.CacheHits > 0 || u.Fallbacks > 0 {
		p.printf("\nLLM usage:  %d tokens, %d calls, %d cache hits, %d fallbacks, $%.4f\n",
			u.TotalTokens, u.LLMCalls, u.CacheHits, u.Fallbacks, u.EstimatedCostUSD)
	}
	if len(eval.Metadata) > 0 {
		keys := make([]string, 0, len(eval.Metadata))
		for k := range eval.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		p.printf("\nMetadata:\n")
		for _, k := range keys {
			p.printf("  %s=%s\n", k, eval.Metadata[k])
		}
	}
	return nil
}

func (p *printer) printEvidence(indent string, ev types.Evidence) {
	if ev.Quote != "" {
		p.printf("%s%s %q\n", indent, ev.Pointer, ev.Quote)
		return
	}
	p.printf("%s%s %s\n", indent, ev.Pointer, ev.Claim)
}
