// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts holds the governance prompts sent to assisted lens agents.
//
// # Description
//
// A request is made of three parts. The base prompt is shared by every lens,
// the lens prompt is fixed per lens, and the user message carries the rules,
// output and context for one evaluation. The first two form the system
// message and are identical across calls, which lets providers with prompt
// caching reuse them.
//
// # Thread Safety
//
// All functions are safe for concurrent use.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/types"
)

//go:embed text/*.md
var promptFS embed.FS

var (
	basePrompt  = mustRead("base")
	lensPrompts = map[types.LensType]string{
		types.LensDignity:        mustRead("dignity"),
		types.LensBoundaries:     mustRead("boundaries"),
		types.LensRestraint:      mustRead("restraint"),
		types.LensTransparency:   mustRead("transparency"),
		types.LensAccountability: mustRead("accountability"),
	}
)

func mustRead(name string) string {
	data, err := promptFS.ReadFile("text/" + name + ".md")
	if err != nil {
		panic(fmt.Sprintf("prompts: missing embedded prompt %s: %v", name, err))
	}
	return strings.TrimSpace(string(data))
}

// Base returns the prompt shared by every governance agent.
func Base() string { return basePrompt }

// ForLens returns the lens-specific prompt, or "" for an unknown lens.
func ForLens(l types.LensType) string { return lensPrompts[l] }

// System returns the full system message for lens l: the base prompt
// followed by the lens prompt.
func System(l types.LensType) string {
	lens := ForLens(l)
	if lens == "" {
		return basePrompt
	}
	return basePrompt + "\n\n" + lens
}

// =============================================================================
// User message
// =============================================================================

// RequestData is the per-evaluation content of the user message.
type RequestData struct {
	Lens     types.LensType
	Rules    []contract.Rule
	Output   string
	Context  []string
	Metadata map[string]string
}

// userTemplate renders rules, context and output. Output and context entries
// are fenced so that byte offsets are unambiguous.
const userTemplate = `Evaluate the {{.Lens.DisplayName}} rules below.

## Rules
{{- range .Rules}}
- {{.ID}}: {{.Rule}}
{{- else}}
(no rules for this lens)
{{- end}}
{{- if .Context}}

## Context
{{- range $i, $entry := .Context}}
context[{{$i}}]:
<<<
{{$entry}}
>>>
{{- end}}
{{- end}}
{{- if .Metadata}}

## Metadata
{{- range $k, $v := .Metadata}}
- {{$k}}: {{$v}}
{{- end}}
{{- end}}

## Output
output.content:
<<<
{{.Output}}
>>>

Return one JSON object per rule, as a JSON array.`

var userTmpl = template.Must(template.New("user").Parse(userTemplate))

// User renders the user message for one evaluation. Map keys in Metadata
// are rendered in sorted order.
func User(data RequestData) (string, error) {
	var buf bytes.Buffer
	if err := userTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}
	return buf.String(), nil
}
