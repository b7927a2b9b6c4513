// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package override_engine

import (
	"fmt"
	"regexp"
)

// OverridePatternFile mirrors the layout of the embedded pattern YAML.
//
// The file carries one canned reply, the assistant subject marker that arms
// follow-up detection, a bank of regex patterns for direct trigger questions,
// a bank of regex patterns for terse follow-ups, and a list of plain
// substring keywords that suppress the override entirely.
type OverridePatternFile struct {
	SubjectMarker    string    `yaml:"subject_marker"`
	Reply            string    `yaml:"reply"`
	PositivePatterns []Pattern `yaml:"positive_patterns"`
	FollowUpPatterns []Pattern `yaml:"follow_up_patterns"`
	NegativeKeywords []string  `yaml:"negative_keywords"`
}

// Pattern is a single trigger regex. Patterns carry their case-insensitivity
// inline ((?i) prefix) so they compile verbatim.
type Pattern struct {
	Id              string         `yaml:"id"`
	Description     string         `yaml:"description"`
	Regex           string         `yaml:"regex"`
	compiledPattern *regexp.Regexp `yaml:"-"`
}

// CompileRegexes compiles every pattern in both banks in place.
//
// Returns an error naming the offending pattern if any regex is invalid.
// Must be called before the patterns are used for matching.
func (f *OverridePatternFile) CompileRegexes() error {
	if err := compilePatternList(f.PositivePatterns); err != nil {
		return err
	}
	return compilePatternList(f.FollowUpPatterns)
}

func compilePatternList(patterns []Pattern) error {
	for i := range patterns {
		pattern := &patterns[i]
		re, err := regexp.Compile(pattern.Regex)
		if err != nil {
			return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
		}
		pattern.compiledPattern = re
	}
	return nil
}
