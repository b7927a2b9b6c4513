// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Stream event types for the SSE wire protocol.
const (
	// EventChunk carries a piece of assistant content.
	EventChunk = "chunk"

	// EventError carries a client-safe error message.
	EventError = "error"

	// EventDone marks the end of a stream. It carries no content.
	EventDone = "done"
)

// StreamEvent is a single frame of the chat streaming protocol.
//
// # Description
//
// Every frame the chatbot emits is a JSON object on a single SSE data
// line:
//
//	data: {"event":"chunk","content":"Hello"}
//	data: {"event":"error","content":"The assistant ran into an issue. Try again shortly."}
//	data: {"event":"done"}
//
// The event field discriminates the frame type. Content is present for
// chunk and error frames and omitted for done frames. Clients must
// treat unknown event values as frames to ignore.
//
// # Fields
//
//   - Event: Frame type. One of EventChunk, EventError, EventDone.
//   - Content: Chunk text or error message. Empty (and omitted) for done.
//
// # Limitations
//
//   - Content is not length-limited here; upstream chunking bounds it.
//
// # Assumptions
//
//   - Frames are delivered in order over a single HTTP response.
type StreamEvent struct {
	Event   string `json:"event"`
	Content string `json:"content,omitempty"`
}
