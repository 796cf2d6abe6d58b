// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfidenceLevel grades how reliable a regex pattern is.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// Family names a detector family.
type Family string

const (
	FamilyPII            Family = "pii"
	FamilyCredentials    Family = "credentials"
	FamilyDismissive     Family = "dismissive"
	FamilyPressure       Family = "pressure"
	FamilyExclusion      Family = "exclusion"
	FamilyEscalation     Family = "escalation"
	FamilyHumanDenial    Family = "human_denial"
	FamilyCitation       Family = "citation"
	FamilyClaim          Family = "claim"
	FamilyAssumption     Family = "assumption"
	FamilyDisclosure     Family = "disclosure"
	FamilyContestability Family = "contestability"
	FamilyFrustration    Family = "frustration"
	FamilyLegal          Family = "legal"
	FamilyMedical        Family = "medical"
	FamilyFinancial      Family = "financial"
	FamilyHumanRequest   Family = "human_request"
)

// PatternFile is the shape of the embedded YAML tables.
type PatternFile struct {
	RegexFamilies   []RegexFamily   `yaml:"regex_families"`
	PhraseFamilies  []PhraseFamily  `yaml:"phrase_families"`
	KeywordFamilies []KeywordFamily `yaml:"keyword_families"`
}

// RegexFamily is a prioritised group of regex patterns.
type RegexFamily struct {
	Family      Family    `yaml:"family"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one regex detector.
type Pattern struct {
	Id              string          `yaml:"id"`
	Label           string          `yaml:"label"`
	Regex           string          `yaml:"regex"`
	Confidence      ConfidenceLevel `yaml:"confidence"`
	compiledPattern *regexp.Regexp  `yaml:"-"`
}

// PhraseFamily is a set of literal phrases.
type PhraseFamily struct {
	Family      Family   `yaml:"family"`
	Description string   `yaml:"description"`
	Phrases     []string `yaml:"phrases"`
}

// KeywordFamily is a set of literal keywords.
type KeywordFamily struct {
	Family   Family   `yaml:"family"`
	Keywords []string `yaml:"keywords"`
}

// UnmarshalYAML rejects unknown confidence levels.
func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incoming)
	}
}

// CompileRegexes compiles every regex pattern in place.
func (p *PatternFile) CompileRegexes() error {
	for i := range p.RegexFamilies {
		for j := range p.RegexFamilies[i].Patterns {
			pattern := &p.RegexFamilies[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Id, err)
			}
			pattern.compiledPattern = re
		}
	}
	return nil
}

// SortByPriority orders regex families highest priority first.
func (p *PatternFile) SortByPriority() {
	sort.SliceStable(p.RegexFamilies, func(i, j int) bool {
		return p.RegexFamilies[i].Priority > p.RegexFamilies[j].Priority
	})
}

// Match is one detector hit. Start and End are byte offsets into the
// scanned text, so text[Start:End] is always valid.
type Match struct {
	Family    Family `json:"family"`
	PatternID string `json:"pattern_id,omitempty"`
	Label     string `json:"label"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// Text returns the matched slice of text.
func (m Match) Text(text string) string {
	if m.Start < 0 || m.End > len(text) || m.Start > m.End {
		return ""
	}
	return text[m.Start:m.End]
}

// ScanFinding is one line-level regex hit used for content audits.
type ScanFinding struct {
	LineNumber         int             `json:"line_number"`
	MatchedContent     string          `json:"matched_content"`
	ClassificationName string          `json:"classification_name"`
	PatternId          string          `json:"pattern_id"`
	PatternDescription string          `json:"pattern_description"`
	Confidence         ConfidenceLevel `json:"confidence"`
}

// literalPattern turns a phrase into a case-insensitive, word-bounded RE2
// fragment. Runs of spaces match any whitespace and a straight apostrophe
// also matches U+2019.
func literalPattern(phrase string) string {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return ""
	}
	var b strings.Builder
	if isWordByte(phrase[0]) {
		b.WriteString(`\b`)
	}
	for i, field := range strings.Fields(phrase) {
		if i > 0 {
			b.WriteString(`\s+`)
		}
		quoted := regexp.QuoteMeta(field)
		b.WriteString(strings.ReplaceAll(quoted, "'", "['’]"))
	}
	if isWordByte(phrase[len(phrase)-1]) {
		b.WriteString(`\b`)
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
