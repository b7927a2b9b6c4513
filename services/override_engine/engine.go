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
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
	"github.com/Leo-Zh9/chatbot/services/override_engine/patterns"
)

// TriggerKind labels which pattern bank produced an override match.
type TriggerKind string

const (
	// TriggerPositive means a user turn directly matched a trigger question.
	TriggerPositive TriggerKind = "positive"

	// TriggerFollowUp means a terse confirmation matched while the
	// surrounding context was anchored on the override subject.
	TriggerFollowUp TriggerKind = "follow_up"
)

// Match is the result of a successful override detection.
type Match struct {
	Reply   string
	Trigger TriggerKind
}

// OverrideEngine decides whether a conversation short-circuits to the canned
// reply instead of reaching the model. It holds the compiled pattern banks
// loaded from the embedded YAML and is safe for concurrent use.
type OverrideEngine struct {
	subjectMarker    string
	reply            string
	positivePatterns []Pattern
	followUpPatterns []Pattern
	negativeKeywords []string
}

// NewOverrideEngine initializes a new instance of the OverrideEngine.
//
// This function takes no arguments. It automatically loads the pattern
// definitions embedded in the binary via the patterns package.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Checks that the reply and subject marker are present.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewOverrideEngine() (*OverrideEngine, error) {
	// Parse the YAML into the types struct
	var patternFile OverridePatternFile
	if err := yaml.Unmarshal(patterns.OverridePatterns, &patternFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded pattern file: %w", err)
	}

	// Compile the regex patterns for performance
	if err := patternFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}

	if patternFile.Reply == "" {
		return nil, fmt.Errorf("embedded pattern file has no reply configured")
	}
	if patternFile.SubjectMarker == "" {
		return nil, fmt.Errorf("embedded pattern file has no subject marker configured")
	}

	// Return the fully initialized engine.
	engine := &OverrideEngine{
		subjectMarker:    strings.ToLower(patternFile.SubjectMarker),
		reply:            patternFile.Reply,
		positivePatterns: patternFile.PositivePatterns,
		followUpPatterns: patternFile.FollowUpPatterns,
		negativeKeywords: patternFile.NegativeKeywords,
	}
	return engine, nil
}

// Detect scans a conversation and reports whether the canned reply applies.
//
// The scan walks the history from the most recent turn to the oldest,
// carrying a context flag that an assistant turn mentioning the subject
// arms for the turn scanned right after it:
//
//   - A user turn containing any negative keyword aborts the scan with no
//     match. The negative check runs before the positive one, so a turn
//     containing both never triggers the override.
//   - A user turn matching a positive pattern returns the canned reply.
//   - A user turn matching a follow-up pattern returns the canned reply
//     only while the context flag is armed.
//   - Any other turn, including every system turn, disarms the flag.
//
// Detect never mutates messages and holds no state between calls.
func (e *OverrideEngine) Detect(messages []datatypes.Message) (Match, bool) {
	goatContext := false
	for i := len(messages) - 1; i >= 0; i-- {
		message := messages[i]
		switch message.Role {
		case datatypes.RoleUser:
			content := strings.ToLower(message.Content)
			if e.hasNegativeKeyword(content) {
				return Match{}, false
			}
			if e.matchesAny(e.positivePatterns, content) {
				return Match{Reply: e.reply, Trigger: TriggerPositive}, true
			}
			if goatContext && e.matchesAny(e.followUpPatterns, content) {
				return Match{Reply: e.reply, Trigger: TriggerFollowUp}, true
			}
			goatContext = false
		case datatypes.RoleAssistant:
			goatContext = strings.Contains(strings.ToLower(message.Content), e.subjectMarker)
		default:
			// System turns never influence detection.
			goatContext = false
		}
	}
	return Match{}, false
}

// Reply returns the canned reply text.
func (e *OverrideEngine) Reply() string {
	return e.reply
}

func (e *OverrideEngine) hasNegativeKeyword(content string) bool {
	for _, keyword := range e.negativeKeywords {
		if strings.Contains(content, keyword) {
			return true
		}
	}
	return false
}

func (e *OverrideEngine) matchesAny(bank []Pattern, content string) bool {
	for _, pattern := range bank {
		if pattern.compiledPattern.MatchString(content) {
			return true
		}
	}
	return false
}
