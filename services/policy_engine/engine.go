// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine is the stewardship pattern library.
//
// Detector tables are embedded YAML compiled once into an immutable
// PatternLibrary. Every detector is a total function over arbitrary input,
// including invalid UTF-8, and reports byte offsets that slice the scanned
// string directly.
package policy_engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/steward/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// PatternLibrary holds compiled detector tables.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type PatternLibrary struct {
	regexFamilies []RegexFamily
	literal       map[Family]*regexp.Regexp
	families      []Family
}

var (
	defaultLibrary     *PatternLibrary
	defaultLibraryErr  error
	defaultLibraryOnce sync.Once
)

// Default returns the process-wide library built from the embedded tables.
//
// The embedded tables are part of the binary, so a failure here is a build
// defect and Default panics rather than letting detectors silently match
// nothing.
func Default() *PatternLibrary {
	defaultLibraryOnce.Do(func() {
		defaultLibrary, defaultLibraryErr = NewPatternLibrary()
	})
	if defaultLibraryErr != nil {
		panic(fmt.Sprintf("policy_engine: embedded pattern tables are invalid: %v", defaultLibraryErr))
	}
	return defaultLibrary
}

// NewPatternLibrary compiles the embedded tables.
func NewPatternLibrary() (*PatternLibrary, error) {
	return NewPatternLibraryFromYAML(enforcement.StewardshipPatterns)
}

// NewPatternLibraryFromYAML compiles a library from an arbitrary table file.
//
// Inputs:
//
//	data - YAML in the PatternFile shape.
//
// Outputs:
//
//	*PatternLibrary - Ready-to-use library.
//	error - Non-nil if the YAML or any regex is invalid.
func NewPatternLibraryFromYAML(data []byte) (*PatternLibrary, error) {
	var file PatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the pattern file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.SortByPriority()

	lib := &PatternLibrary{
		regexFamilies: file.RegexFamilies,
		literal:       make(map[Family]*regexp.Regexp),
	}
	for _, rf := range file.RegexFamilies {
		lib.families = append(lib.families, rf.Family)
	}
	for _, pf := range file.PhraseFamilies {
		if err := lib.addLiteralFamily(pf.Family, pf.Phrases); err != nil {
			return nil, err
		}
	}
	for _, kf := range file.KeywordFamilies {
		if err := lib.addLiteralFamily(kf.Family, kf.Keywords); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func (l *PatternLibrary) addLiteralFamily(family Family, literals []string) error {
	if _, dup := l.literal[family]; dup {
		return fmt.Errorf("duplicate pattern family %q", family)
	}
	sorted := append([]string(nil), literals...)
	// Longest first so alternation prefers the most specific phrase.
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	parts := make([]string, 0, len(sorted))
	for _, lit := range sorted {
		if p := literalPattern(lit); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return fmt.Errorf("pattern family %q is empty", family)
	}
	re, err := regexp.Compile(`(?i)(?:` + strings.Join(parts, "|") + `)`)
	if err != nil {
		return fmt.Errorf("failed to compile family %s: %w", family, err)
	}
	l.literal[family] = re
	l.families = append(l.families, family)
	return nil
}

// Families lists every family in the library.
func (l *PatternLibrary) Families() []Family {
	return append([]Family(nil), l.families...)
}

// DetectPII returns non-overlapping PII matches ordered by position.
func (l *PatternLibrary) DetectPII(text string) []Match {
	return l.detectRegex(FamilyPII, text)
}

// DetectSecrets returns non-overlapping credential matches ordered by position.
func (l *PatternLibrary) DetectSecrets(text string) []Match {
	return l.detectRegex(FamilyCredentials, text)
}

// Find returns every match of a phrase or keyword family, ordered by position.
// Unknown families yield no matches.
func (l *PatternLibrary) Find(family Family, text string) []Match {
	if family == FamilyPII || family == FamilyCredentials {
		return l.detectRegex(family, text)
	}
	re, ok := l.literal[family]
	if !ok {
		return nil
	}
	locs := re.FindAllStringIndex(text, -1)
	matches := make([]Match, 0, len(locs))
	for _, loc := range locs {
		matches = append(matches, Match{
			Family: family,
			Label:  strings.ToLower(text[loc[0]:loc[1]]),
			Start:  loc[0],
			End:    loc[1],
		})
	}
	return matches
}

// First returns the earliest match of family in text.
func (l *PatternLibrary) First(family Family, text string) (Match, bool) {
	matches := l.Find(family, text)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// Contains reports whether family matches anywhere in text.
func (l *PatternLibrary) Contains(family Family, text string) bool {
	if re, ok := l.literal[family]; ok {
		return re.MatchString(text)
	}
	return len(l.detectRegex(family, text)) > 0
}

// FirstInAny scans texts in order and returns the first text index with a
// match together with that match.
func (l *PatternLibrary) FirstInAny(family Family, texts []string) (int, Match, bool) {
	for i, t := range texts {
		if m, ok := l.First(family, t); ok {
			return i, m, true
		}
	}
	return -1, Match{}, false
}

func (l *PatternLibrary) detectRegex(family Family, text string) []Match {
	var all []Match
	for _, rf := range l.regexFamilies {
		if rf.Family != family {
			continue
		}
		for _, p := range rf.Patterns {
			for _, loc := range p.compiledPattern.FindAllStringIndex(text, -1) {
				all = append(all, Match{
					Family:    family,
					PatternID: p.Id,
					Label:     p.Label,
					Start:     loc[0],
					End:       loc[1],
				})
			}
		}
	}
	// Stable sort keeps table order for ties, so the more specific pattern
	// listed first wins an overlap.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	out := all[:0]
	lastEnd := -1
	for _, m := range all {
		if m.Start < lastEnd {
			continue
		}
		out = append(out, m)
		lastEnd = m.End
	}
	return out
}

// ClassifyData returns the highest-priority regex family matching data, or
// "public" when nothing matches.
func (l *PatternLibrary) ClassifyData(data []byte) string {
	for _, rf := range l.regexFamilies {
		for _, p := range rf.Patterns {
			if p.compiledPattern.Match(data) {
				return string(rf.Family)
			}
		}
	}
	return "public"
}

// ScanContent reports regex hits line by line for content audits.
func (l *PatternLibrary) ScanContent(content string) []ScanFinding {
	var findings []ScanFinding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, rf := range l.regexFamilies {
			for _, p := range rf.Patterns {
				match := p.compiledPattern.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, ScanFinding{
					LineNumber:         lineNum + 1,
					MatchedContent:     strings.TrimSpace(match),
					ClassificationName: string(rf.Family),
					PatternId:          p.Id,
					PatternDescription: p.Label,
					Confidence:         p.Confidence,
				})
			}
		}
	}
	return findings
}
