// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP responses.
//
// # Description
//
// SSEWriter abstracts SSE frame serialization and writing, enabling
// testability and separation from HTTP response mechanics. Every frame
// is a single data line carrying a JSON object:
//
//	data: {"event":"chunk","content":"..."}
//
// The event type lives inside the JSON payload rather than on an SSE
// "event:" line, so clients only ever parse data lines.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//   - Response headers must be set before first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single SSE frame to the response.
	//
	// # Description
	//
	// Serializes the event to JSON and writes it as one data line,
	// flushing immediately so the client sees the frame without delay.
	//
	// # Inputs
	//
	//   - event: StreamEvent to write.
	//
	// # Outputs
	//
	//   - error: Non-nil if JSON marshaling or writing failed.
	//
	// # Assumptions
	//
	//   - Connection is still open
	WriteEvent(event datatypes.StreamEvent) error

	// WriteChunk writes a chunk frame with the given content.
	//
	// # Description
	//
	// Convenience method for relaying a piece of assistant content.
	//
	// # Inputs
	//
	//   - content: Chunk text to stream (may be a partial word or whitespace)
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - No buffering; each chunk is sent immediately
	//
	// # Assumptions
	//
	//   - Chunks are in display order
	WriteChunk(content string) error

	// WriteError writes an error frame and signals stream failure.
	//
	// # Description
	//
	// Writes an error frame to inform the client of a failure. At most
	// one error frame should be written per stream, and it should be
	// followed by a done frame.
	//
	// # Inputs
	//
	//   - errMsg: Error message for the client (sanitized, no internal details)
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - Error message should be sanitized (SEC-005)
	//
	// # Assumptions
	//
	//   - A done frame follows this event
	//
	// # Security References
	//
	//   - SEC-005: Internal errors not exposed to client
	WriteError(errMsg string) error

	// WriteDone writes the terminal done frame.
	//
	// # Description
	//
	// Writes the final frame of a stream. Emitted exactly once per
	// stream, on success, failure, and disconnect alike, so clients can
	// always distinguish a finished stream from a severed connection.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - Should only be called once per stream
	//
	// # Assumptions
	//
	//   - No more frames will be written after done
	WriteDone() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted frames.
// Each frame is written in the format:
//
//	data: {json}
//
// followed by a blank line, and flushed immediately.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher interface for immediate send
//   - mu: Mutex for thread-safe writes
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write frames
// concurrently without interleaving bytes.
//
// # Limitations
//
//   - Cannot be reused across requests
//
// # Assumptions
//
//   - Response headers already set by caller
//   - ResponseWriter supports http.Flusher interface
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Description
//
// Creates an sseWriter that wraps the ResponseWriter. The caller must
// set appropriate SSE headers before creating the writer.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE frames.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteChunk("Hello")
//	writer.WriteDone()
//
// # Limitations
//
//   - Requires http.Flusher support (most ResponseWriters have it)
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE frame to the response.
//
// # Description
//
// Serializes the event to JSON and writes it as a single data line,
// then flushes. The encoder is configured with SetEscapeHTML(false)
// so chunk text passes through byte for byte: non-ASCII stays literal
// UTF-8 and <, >, & are not rewritten to \u sequences.
//
// # Inputs
//
//   - event: StreamEvent to write.
//
// # Outputs
//
//   - error: Non-nil if JSON marshaling or writing failed.
//
// # Examples
//
//	err := w.WriteEvent(datatypes.StreamEvent{
//	    Event:   datatypes.EventChunk,
//	    Content: "Hello",
//	})
//
// # Assumptions
//
//   - Connection is still open
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var payload bytes.Buffer
	encoder := json.NewEncoder(&payload)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(event); err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Encode appends a newline; the frame delimiter below supplies its own.
	data := bytes.TrimRight(payload.Bytes(), "\n")

	// Write SSE format: data: json\n\n
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteChunk writes a chunk frame with the given content.
//
// # Description
//
// Convenience method for relaying assistant content.
//
// # Inputs
//
//   - content: Chunk text to stream (may be a partial word or whitespace)
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Examples
//
//	err := writer.WriteChunk("Hello")
//	err = writer.WriteChunk(" world")
//
// # Limitations
//
//   - Each call flushes immediately (no batching).
//
// # Assumptions
//
//   - Chunks arrive in display order.
func (w *sseWriter) WriteChunk(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Event:   datatypes.EventChunk,
		Content: content,
	})
}

// WriteError writes an error frame.
//
// # Description
//
// Writes an error frame to inform the client of a failure.
// Per SEC-005: Error messages must be sanitized before passing to this method.
//
// # Inputs
//
//   - errMsg: Sanitized error message for client display.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Examples
//
//	err := writer.WriteError("The assistant ran into an issue. Try again shortly.")
//
// # Limitations
//
//   - Caller must sanitize error messages (no internal details).
//
// # Assumptions
//
//   - A done frame follows this event.
//
// # Security References
//
//   - SEC-005: Internal errors not exposed to client
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Event:   datatypes.EventError,
		Content: errMsg,
	})
}

// WriteDone writes the terminal done frame.
//
// # Description
//
// Writes the final frame of the stream. The done frame carries no
// content field at all; omitempty keeps it off the wire.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Examples
//
//	err := writer.WriteDone()
//
// # Limitations
//
//   - Should only be called once per stream.
//
// # Assumptions
//
//   - All content has been written before calling.
func (w *sseWriter) WriteDone() error {
	return w.WriteEvent(datatypes.StreamEvent{
		Event: datatypes.EventDone,
	})
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
//
// # Inputs
//
//   - w: HTTP ResponseWriter to configure.
//
// # Outputs
//
// None.
//
// # Examples
//
//	func HandleStream(w http.ResponseWriter, r *http.Request) {
//	    SetSSEHeaders(w)
//	    writer, _ := NewSSEWriter(w)
//	    // ... write frames ...
//	}
//
// # Limitations
//
//   - Must be called before any writes to ResponseWriter.
//
// # Assumptions
//
//   - No response has been written yet.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
