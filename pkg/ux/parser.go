// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal streaming components for the chatctl CLI.
//
// This file contains the parser for the server's SSE wire format.
// Parsers are responsible for converting raw lines into StreamEvent
// structs. They do not perform I/O, rendering, or state management;
// that separation keeps them trivially testable.
package ux

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// SSE Parser Interface
// =============================================================================

// SSEParser parses Server-Sent Events lines into StreamEvent structs.
//
// The chat server emits data-only SSE frames:
//
//	data: {"event":"chunk","content":"Hello"}\n
//	\n
//	data: {"event":"done"}\n
//	\n
//
// Each line starting with "data: " contains a JSON payload whose
// "event" field is chunk, error, or done. Empty lines are event
// delimiters and lines starting with ":" are comments; both are
// skipped.
//
// Thread Safety:
//
//	SSEParser implementations must be safe for concurrent use. The
//	default implementation is stateless and inherently thread-safe.
//
// Example:
//
//	parser := NewSSEParser()
//	event, err := parser.ParseLine(`data: {"event":"chunk","content":"Hi"}`)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if event != nil {
//	    fmt.Println(event.Content) // "Hi"
//	}
type SSEParser interface {
	// ParseLine parses a single line of SSE input.
	//
	// Parameters:
	//   - line: A single line from the SSE stream (without trailing newline)
	//
	// Returns:
	//   - *StreamEvent: The parsed event, or nil for empty/comment lines
	//   - error: Non-nil if JSON parsing failed
	//
	// Line handling:
	//   - Empty lines: Returns nil, nil (event delimiter)
	//   - Comment lines (":"): Returns nil, nil (ignored)
	//   - Data lines ("data: "): Parses JSON payload
	//   - Other lines: Treated as raw chunk content
	ParseLine(line string) (*StreamEvent, error)

	// ParseRawJSON parses a raw JSON payload into a StreamEvent.
	//
	// Use this when you have JSON without the "data: " prefix.
	// Automatically generates Id and sets CreatedAt.
	//
	// Parameters:
	//   - jsonData: Raw JSON bytes
	//
	// Returns:
	//   - *StreamEvent: The parsed event
	//   - error: Non-nil if JSON parsing failed
	ParseRawJSON(jsonData []byte) (*StreamEvent, error)
}

// =============================================================================
// SSE Parser Implementation
// =============================================================================

// sseParser implements SSEParser for the server's data-only SSE frames.
//
// This implementation is stateless and safe for concurrent use. All
// parsed events are assigned fresh Id and CreatedAt values.
type sseParser struct{}

// NewSSEParser creates a new SSE parser.
//
// The returned parser is stateless and can be safely shared across
// goroutines.
func NewSSEParser() SSEParser {
	return &sseParser{}
}

// ParseLine parses a single SSE line.
//
// Handles the following line types:
//   - Empty: Returns nil (event boundary)
//   - Comment (starts with ":"): Returns nil (ignored)
//   - Data (starts with "data: "): Parses JSON after prefix
//   - Other: Treats entire line as chunk content
func (p *sseParser) ParseLine(line string) (*StreamEvent, error) {
	line = strings.TrimSpace(line)

	// Empty lines are event delimiters
	if line == "" {
		return nil, nil
	}

	// Comments start with ":"
	if strings.HasPrefix(line, ":") {
		return nil, nil
	}

	// Data lines start with "data: "
	if strings.HasPrefix(line, "data: ") {
		jsonData := strings.TrimPrefix(line, "data: ")
		return p.ParseRawJSON([]byte(jsonData))
	}

	// Also handle "data:" without space (some servers do this)
	if strings.HasPrefix(line, "data:") {
		jsonData := strings.TrimPrefix(line, "data:")
		return p.ParseRawJSON([]byte(jsonData))
	}

	// Non-JSON line, treat as a raw chunk. This handles servers that
	// relay plain text fragments.
	event := NewChunkEvent(line)
	return &event, nil
}

// ParseRawJSON parses a JSON payload into a StreamEvent.
//
// The JSON must have an "event" field naming the event kind. Missing
// fields are handled gracefully with zero values.
//
// Example JSON:
//
//	{"event":"chunk","content":"Hello"}
//	{"event":"error","content":"The assistant ran into an issue."}
//	{"event":"done"}
func (p *sseParser) ParseRawJSON(jsonData []byte) (*StreamEvent, error) {
	var raw struct {
		Event   string `json:"event"`
		Content string `json:"content"`
	}

	if err := json.Unmarshal(jsonData, &raw); err != nil {
		return nil, err
	}

	event := NewChunkEvent(raw.Content)
	event.Type = StreamEventType(raw.Event)
	return &event, nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEParser = (*sseParser)(nil)
