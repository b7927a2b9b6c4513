// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ANSI Colors
// =============================================================================

// ANSI escape codes for terminal output. Renderers emit these only when
// color output is enabled; piped output stays plain.
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// =============================================================================
// Stream Renderer Interface
// =============================================================================

// StreamRenderer handles the display of streaming chat events.
//
// Implementations render events as they arrive from the server and
// accumulate a StreamResult with the complete answer and timing metrics.
//
// Lifecycle:
//
//	renderer := NewTerminalStreamRenderer(os.Stdout, useColor)
//	defer renderer.Finalize()
//	// ... route events to OnChunk/OnError/OnDone ...
//	result := renderer.Result()
type StreamRenderer interface {
	// OnChunk renders a single answer fragment.
	//
	// Chunks are printed immediately as they arrive, creating the
	// streaming effect. The first chunk records time-to-first-chunk.
	OnChunk(ctx context.Context, content string)

	// OnError renders a stream failure.
	//
	// Displays the error message and records it in the result.
	// After OnError, only Finalize() and Result() should be called.
	OnError(ctx context.Context, err error)

	// OnDone signals successful stream completion.
	//
	// Ensures output ends cleanly and records completion time.
	OnDone(ctx context.Context)

	// Finalize performs cleanup and marks the renderer as complete.
	//
	// MUST be called when streaming ends, even if abnormally.
	// Safe to call multiple times; subsequent calls are no-ops.
	// Typically called with defer immediately after creating the renderer.
	Finalize()

	// Result returns the accumulated result after streaming completes.
	//
	// Contains the full answer, error (if any), and timing metrics.
	// May be called before Finalize() to get partial results.
	Result() *StreamResult
}

// =============================================================================
// Terminal Stream Renderer
// =============================================================================

// terminalStreamRenderer renders streaming events to an interactive terminal.
//
// This is the primary renderer for user-facing output. Chunks are printed
// in real time as they arrive; errors are shown in red when color output
// is enabled.
//
// Thread Safety:
//
//	All methods are protected by a mutex. Safe for concurrent calls.
//
// Fields:
//   - writer: Output destination (typically os.Stdout)
//   - color: Whether to emit ANSI color codes
//   - result: Accumulated result with metrics
//   - answerBuilder: Accumulates chunk content
//   - hasWrittenChunk: Tracks if first chunk has been written
//   - finalized: Prevents operations after Finalize()
type terminalStreamRenderer struct {
	writer io.Writer
	color  bool
	result *StreamResult
	mu     sync.Mutex

	// State tracking
	answerBuilder   strings.Builder
	hasWrittenChunk bool
	finalized       bool
}

// NewTerminalStreamRenderer creates a renderer for interactive terminal output.
//
// Parameters:
//   - w: The output writer. If nil, defaults to os.Stdout.
//   - color: Whether to emit ANSI color codes. Callers should pass false
//     when stdout is not a terminal so piped output stays clean.
//
// Returns:
//
//	A StreamRenderer that displays events as they arrive. The returned
//	renderer has an Id and CreatedAt already set on its internal result.
//
// Example:
//
//	renderer := NewTerminalStreamRenderer(os.Stdout, true)
//	defer renderer.Finalize()
func NewTerminalStreamRenderer(w io.Writer, color bool) StreamRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &terminalStreamRenderer{
		writer: w,
		color:  color,
		result: NewStreamResult(),
	}
}

// OnChunk renders a single answer fragment from the server.
//
// Thread Safety:
//
//	Protected by mutex. Safe to call concurrently, but chunks should
//	arrive in order for coherent output.
//
// Side Effects:
//   - Sets FirstChunkAt on first call (for time-to-first-chunk metrics)
//   - Increments TotalChunks and TotalEvents in result
//   - Appends to answer buffer
//   - Prints to writer immediately
func (r *terminalStreamRenderer) OnChunk(ctx context.Context, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	// Track first chunk timing
	if !r.hasWrittenChunk {
		r.result.FirstChunkAt = time.Now().UnixMilli()
		r.hasWrittenChunk = true
	}

	r.answerBuilder.WriteString(content)
	r.result.TotalChunks++
	r.result.TotalEvents++

	// Print chunk immediately for streaming effect
	fmt.Fprint(r.writer, content)
}

// OnError renders an error that occurred during streaming.
//
// This method is called when the stream ends due to an error frame or a
// transport failure. It displays the error to the user and records it in
// the result.
//
// Thread Safety:
//
//	Protected by mutex. Safe to call concurrently.
//
// Side Effects:
//   - Sets Error and CompletedAt in result
//   - Increments TotalEvents in result
//   - Prints error to writer (red when color is enabled)
//
// After Calling:
//
//	Only Finalize() and Result() should be called. Further On* calls
//	are ignored for display purposes but OnDone still records timing.
func (r *terminalStreamRenderer) OnError(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Error = err.Error()
	r.result.CompletedAt = time.Now().UnixMilli()
	r.result.TotalEvents++

	// Break the line if chunks were already printed
	if r.hasWrittenChunk && !strings.HasSuffix(r.answerBuilder.String(), "\n") {
		fmt.Fprintln(r.writer)
	}

	if r.color {
		fmt.Fprintf(r.writer, "%sError: %v%s\n", ColorRed, err, ColorReset)
	} else {
		fmt.Fprintf(r.writer, "Error: %v\n", err)
	}
}

// OnDone signals successful stream completion.
//
// Thread Safety:
//
//	Protected by mutex. Safe to call concurrently.
//
// Side Effects:
//   - Sets CompletedAt in result
//   - Increments TotalEvents in result
//   - Prints a trailing newline if the answer lacks one
func (r *terminalStreamRenderer) OnDone(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.CompletedAt = time.Now().UnixMilli()
	r.result.TotalEvents++

	// Ensure we end with a newline
	answer := r.answerBuilder.String()
	if answer != "" && !strings.HasSuffix(answer, "\n") {
		fmt.Fprintln(r.writer)
	}
}

// Finalize performs cleanup and marks the renderer as complete.
//
// This method MUST be called when streaming ends, regardless of whether
// it ended normally (OnDone) or with an error (OnError). It's safe to call
// multiple times; subsequent calls are no-ops.
//
// Thread Safety:
//
//	Protected by mutex. Safe to call concurrently or multiple times.
//
// Side Effects:
//   - Sets finalized flag to true
//   - Populates Answer in result from the builder
//   - Sets CompletedAt if zero
func (r *terminalStreamRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true

	// Finalize result
	r.result.Answer = r.answerBuilder.String()
	if r.result.CompletedAt == 0 {
		r.result.CompletedAt = time.Now().UnixMilli()
	}
}

// Result returns the accumulated StreamResult.
//
// Thread Safety:
//
//	Protected by mutex. Safe to call concurrently. Returns a copy of the
//	result to prevent race conditions with ongoing rendering.
//
// Timing:
//
//	May be called before Finalize() to get partial results during
//	streaming. Call after Finalize() for the complete final result.
func (r *terminalStreamRenderer) Result() *StreamResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Copy result to avoid race conditions
	result := *r.result
	result.Answer = r.answerBuilder.String()
	return &result
}

// Compile-time interface check
var _ StreamRenderer = (*terminalStreamRenderer)(nil)
