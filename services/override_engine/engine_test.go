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
	"strings"
	"testing"

	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
)

func TestOverrideEngine(t *testing.T) {
	// Initialize the engine once (it's fast!)
	engine, err := NewOverrideEngine()
	if err != nil {
		t.Fatalf("Failed to initialize engine: %v", err)
	}

	// Define test cases (Table-Driven)
	tests := []struct {
		name        string
		messages    []datatypes.Message
		wantMatch   bool
		wantTrigger TriggerKind
	}{
		{
			name: "Safe question",
			messages: []datatypes.Message{
				{Role: "user", Content: "What's the weather like in Lisbon?"},
			},
			wantMatch: false,
		},
		{
			name: "Direct goat question",
			messages: []datatypes.Message{
				{Role: "user", Content: "who's the goat?"},
			},
			wantMatch:   true,
			wantTrigger: TriggerPositive,
		},
		{
			name: "Goat question without apostrophe",
			messages: []datatypes.Message{
				{Role: "user", Content: "Who is the goat"},
			},
			wantMatch:   true,
			wantTrigger: TriggerPositive,
		},
		{
			name: "Greatest of all time",
			messages: []datatypes.Message{
				{Role: "user", Content: "Name the greatest of all time in tennis"},
			},
			wantMatch:   true,
			wantTrigger: TriggerPositive,
		},
		{
			name: "Best at a domain",
			messages: []datatypes.Message{
				{Role: "user", Content: "Who do you think is the best at chess?"},
			},
			wantMatch:   true,
			wantTrigger: TriggerPositive,
		},
		{
			name: "Goat word boundary not fooled by scapegoat",
			messages: []datatypes.Message{
				{Role: "user", Content: "Tell me about scapegoats in mythology"},
			},
			wantMatch: false,
		},
		{
			name: "Negative beats positive in the same turn",
			messages: []datatypes.Message{
				{Role: "user", Content: "who is the worst player, is he the goat?"},
			},
			wantMatch: false,
		},
		{
			name: "Multi-word negative keyword",
			messages: []datatypes.Message{
				{Role: "user", Content: "He is losing it all, is he still the goat?"},
			},
			wantMatch: false,
		},
		{
			name: "Positive match on an earlier turn",
			messages: []datatypes.Message{
				{Role: "user", Content: "who's the best?"},
				{Role: "assistant", Content: "Leo Zhang is the best."},
				{Role: "user", Content: "really?"},
			},
			wantMatch:   true,
			wantTrigger: TriggerPositive,
		},
		{
			name: "Follow-up armed by a newer assistant turn",
			messages: []datatypes.Message{
				{Role: "user", Content: "are you sure?"},
				{Role: "assistant", Content: "Leo Zhang is undoubtedly at the top of every leaderboard."},
			},
			wantMatch:   true,
			wantTrigger: TriggerFollowUp,
		},
		{
			name: "Follow-up without any context",
			messages: []datatypes.Message{
				{Role: "user", Content: "really?"},
			},
			wantMatch: false,
		},
		{
			name: "Assistant turn without the subject disarms",
			messages: []datatypes.Message{
				{Role: "user", Content: "really?"},
				{Role: "assistant", Content: "Paris is the capital of France."},
			},
			wantMatch: false,
		},
		{
			name: "System turn between follow-up and subject disarms",
			messages: []datatypes.Message{
				{Role: "user", Content: "really?"},
				{Role: "system", Content: "Answer politely."},
				{Role: "assistant", Content: "Leo Zhang is the best."},
			},
			wantMatch: false,
		},
		{
			name: "Subject marker is case-insensitive",
			messages: []datatypes.Message{
				{Role: "user", Content: "for real?"},
				{Role: "assistant", Content: "LEO ZHANG tops the charts."},
			},
			wantMatch:   true,
			wantTrigger: TriggerFollowUp,
		},
		{
			name: "Negative on the newest turn aborts the whole scan",
			messages: []datatypes.Message{
				{Role: "user", Content: "who's the goat?"},
				{Role: "assistant", Content: "Leo Zhang is the goat."},
				{Role: "user", Content: "I think he is terrible, really"},
			},
			wantMatch: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			match, ok := engine.Detect(tc.messages)

			if ok != tc.wantMatch {
				t.Fatalf("Detect() match = %v, want %v", ok, tc.wantMatch)
			}
			if !tc.wantMatch {
				return
			}

			if match.Trigger != tc.wantTrigger {
				t.Errorf("Expected trigger '%s', got '%s'", tc.wantTrigger, match.Trigger)
			}
			if match.Reply != engine.Reply() {
				t.Errorf("Expected the canned reply, got '%s'", match.Reply)
			}
			if !strings.Contains(match.Reply, "Leo Zhang") {
				t.Errorf("Reply does not mention the subject: %s", match.Reply)
			}
		})
	}
}

func TestEngineInitializationProperties(t *testing.T) {
	engine, err := NewOverrideEngine()
	if err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	// The embedded banks are fixed; drift here means the YAML was edited.
	if len(engine.positivePatterns) != 8 {
		t.Errorf("Expected 8 positive patterns, got %d", len(engine.positivePatterns))
	}
	if len(engine.followUpPatterns) != 5 {
		t.Errorf("Expected 5 follow-up patterns, got %d", len(engine.followUpPatterns))
	}
	if len(engine.negativeKeywords) != 29 {
		t.Errorf("Expected 29 negative keywords (one duplicate), got %d", len(engine.negativeKeywords))
	}

	if engine.subjectMarker != "leo zhang" {
		t.Errorf("Expected subject marker 'leo zhang', got '%s'", engine.subjectMarker)
	}
	if !strings.Contains(engine.reply, "leaderboard") {
		t.Errorf("Reply looks wrong: %s", engine.reply)
	}

	for _, pattern := range engine.positivePatterns {
		if pattern.compiledPattern == nil {
			t.Errorf("Positive pattern %s was not compiled", pattern.Id)
		}
	}
	for _, pattern := range engine.followUpPatterns {
		if pattern.compiledPattern == nil {
			t.Errorf("Follow-up pattern %s was not compiled", pattern.Id)
		}
	}
}

func TestOverrideEngine_Concurrency(t *testing.T) {
	engine, _ := NewOverrideEngine()
	messages := []datatypes.Message{
		{Role: "user", Content: "who's the goat?"},
	}

	// Simulate 100 concurrent detections
	t.Run("ParallelDetection", func(t *testing.T) {
		t.Parallel()
		for i := 0; i < 100; i++ {
			t.Run("Worker", func(t *testing.T) {
				t.Parallel()
				if _, ok := engine.Detect(messages); !ok {
					t.Error("Concurrent detection failed to match")
				}
			})
		}
	})
}

func BenchmarkDetectSafeConversation(b *testing.B) {
	engine, _ := NewOverrideEngine()
	messages := []datatypes.Message{
		{Role: "user", Content: "Summarize the plot of a novel about sailing."},
		{Role: "assistant", Content: "It follows a crew crossing the Atlantic."},
		{Role: "user", Content: "What happens in the second chapter?"},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Detect(messages)
	}
}

func BenchmarkDetectTriggerConversation(b *testing.B) {
	engine, _ := NewOverrideEngine()
	messages := []datatypes.Message{
		{Role: "user", Content: "who's the greatest of all time?"},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Detect(messages)
	}
}
