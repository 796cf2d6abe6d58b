// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package types

import "fmt"

// EvidenceSource names what an Evidence pointer refers into.
type EvidenceSource string

const (
	SourceOutput   EvidenceSource = "output"
	SourceContext  EvidenceSource = "context"
	SourceContract EvidenceSource = "contract"
	SourceMetadata EvidenceSource = "metadata"
)

// Evidence is a claim plus a checkable locator.
//
// Pointer has the form "output.content[start:end]" or
// "context[i][start:end]" for text sources (byte offsets, half-open), a dotted
// contract path for contract evidence, and "metadata.<key>" for metadata.
// Quote is the exact text the pointer is claimed to select; it may be empty
// for contract and metadata evidence.
type Evidence struct {
	Claim   string         `json:"claim"`
	Source  EvidenceSource `json:"source"`
	Pointer string         `json:"pointer"`
	Quote   string         `json:"quote,omitempty"`
}

// FromOutput builds evidence over output.Content[start:end].
//
// The quote is filled from content when the range is valid.
func FromOutput(claim, content string, start, end int) Evidence {
	return Evidence{
		Claim:   claim,
		Source:  SourceOutput,
		Pointer: fmt.Sprintf("output.content[%d:%d]", start, end),
		Quote:   sliceOrEmpty(content, start, end),
	}
}

// FromContext builds evidence over context[index][start:end].
func FromContext(claim, entry string, index, start, end int) Evidence {
	return Evidence{
		Claim:   claim,
		Source:  SourceContext,
		Pointer: fmt.Sprintf("context[%d][%d:%d]", index, start, end),
		Quote:   sliceOrEmpty(entry, start, end),
	}
}

// FromContract builds evidence pointing at a contract path such as
// "accountability.answerable_human".
func FromContract(claim, path string) Evidence {
	return Evidence{Claim: claim, Source: SourceContract, Pointer: path}
}

// FromMetadata builds evidence pointing at a metadata key.
func FromMetadata(claim, key string) Evidence {
	return Evidence{Claim: claim, Source: SourceMetadata, Pointer: "metadata." + key}
}

// IsTextual reports whether the evidence points into output or context text.
func (e Evidence) IsTextual() bool {
	return e.Source == SourceOutput || e.Source == SourceContext
}

func sliceOrEmpty(s string, start, end int) string {
	if start < 0 || start > end || end > len(s) {
		return ""
	}
	return s[start:end]
}
