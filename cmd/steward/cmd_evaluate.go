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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/engine"
	"github.com/AleutianAI/steward/services/steward/types"
)

// maxOutputBytes bounds the output read from a file or stdin.
const maxOutputBytes = 1 << 20

type evaluateFlags struct {
	contractPath string
	output       string
	outputFile   string
	context      []string
	metadata     []string
	provider     string
	timeout      time.Duration
}

func newEvaluateCmd(a *app) *cobra.Command {
	f := &evaluateFlags{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate an output against a contract",
		Long: `Evaluate an AI output against a stewardship contract.

The output is taken from --output, from --output-file, or from stdin.

Examples:
  steward evaluate -c contract.yaml -o "Your invoice is attached."
  steward evaluate -c contract.yaml -f reply.txt --context "user: where is my invoice?"
  generate-reply | steward evaluate -c contract.yaml --provider anthropic --json

Exit Codes:
  0 = proceed
  1 = error
  2 = escalate
  3 = blocked`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluate(cmd, a, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.contractPath, "contract", "c", "", "Contract file (.yaml, .yml or .json)")
	flags.StringVarP(&f.output, "output", "o", "", "Output text to evaluate")
	flags.StringVarP(&f.outputFile, "output-file", "f", "", "Read the output from this file (- for stdin)")
	flags.StringArrayVar(&f.context, "context", nil, "Prior conversation turn (repeatable)")
	flags.StringArrayVar(&f.metadata, "metadata", nil, "Request metadata as key=value (repeatable)")
	flags.StringVar(&f.provider, "provider", "", "Completion provider for assisted lenses (overrides config; \"none\" disables)")
	flags.DurationVar(&f.timeout, "timeout", 2*time.Minute, "Overall evaluation timeout")
	_ = cmd.MarkFlagRequired("contract")
	cmd.MarkFlagsMutuallyExclusive("output", "output-file")
	return cmd
}

func runEvaluate(cmd *cobra.Command, a *app, f *evaluateFlags) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	logger := a.logger()

	c, err := contract.LoadFile(f.contractPath)
	if err != nil {
		return err
	}
	content, err := readOutput(cmd.InOrStdin(), f)
	if err != nil {
		return err
	}
	metadata, err := parseMetadata(f.metadata)
	if err != nil {
		return err
	}

	st, err := buildStack(ctx, a.cfg, f.provider, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logger.Warn("close stack", slog.String("error", err.Error()))
		}
	}()

	res, err := st.orch.Evaluate(engine.WithActor(ctx, engine.ActorCLI), &types.EvaluationRequest{
		Contract: c,
		Output:   types.TextOutput(content),
		Context:  f.context,
		Metadata: metadata,
	})
	if err != nil {
		return err
	}

	if err := a.printer(cmd).Evaluation(c.Identity(), res); err != nil {
		return err
	}
	if code := exitCodeFor(res.Evaluation.State.Verdict); code != ExitProceed {
		return &exitError{code: code}
	}
	return nil
}

// readOutput resolves the output from the flags, falling back to stdin
// when stdin is not a terminal.
func readOutput(stdin io.Reader, f *evaluateFlags) (string, error) {
	if f.output != "" {
		return f.output, nil
	}

	var r io.Reader
	switch f.outputFile {
	case "":
		if file, ok := stdin.(*os.File); ok && isatty.IsTerminal(file.Fd()) {
			return "", errors.New("no output given: use --output, --output-file or pipe it on stdin")
		}
		r = stdin
	case "-":
		r = stdin
	default:
		file, err := os.Open(f.outputFile)
		if err != nil {
			return "", fmt.Errorf("open output: %w", err)
		}
		defer file.Close()
		r = file
	}

	data, err := io.ReadAll(io.LimitReader(r, maxOutputBytes+1))
	if err != nil {
		return "", fmt.Errorf("read output: %w", err)
	}
	if len(data) > maxOutputBytes {
		return "", errors.New("output exceeds 1 MiB")
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// parseMetadata turns key=value pairs into a map. Values may contain '='.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --metadata %q: want key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
