// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal streaming components for the chatctl CLI.
//
// This file defines the event and result types shared by the parser,
// reader, and renderer. Events mirror the server's SSE frames: every
// frame is a JSON object with an "event" discriminator (chunk, error,
// done) and an optional "content" field. For error frames the content
// carries the sanitized error message.
package ux

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Stream Event Types
// =============================================================================

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// StreamEventChunk carries a fragment of assistant text.
	StreamEventChunk StreamEventType = "chunk"
	// StreamEventError carries a sanitized error message in Content.
	StreamEventError StreamEventType = "error"
	// StreamEventDone marks the end of a stream. It has no content.
	StreamEventDone StreamEventType = "done"
)

// String returns the wire name of the event type.
func (t StreamEventType) String() string {
	return string(t)
}

// IsTerminal reports whether this event type ends a stream.
//
// The server guarantees every stream ends with a done frame, and an
// error frame is always followed by done. Readers stop at the first
// terminal event they see.
func (t StreamEventType) IsTerminal() bool {
	return t == StreamEventDone || t == StreamEventError
}

// StreamEvent is a single parsed event from the chat stream.
//
// Id and CreatedAt are assigned client-side when the event is parsed;
// the server does not send them. Index is the zero-based position of
// the event within its stream, assigned by the reader.
type StreamEvent struct {
	Id        string          `json:"id"`
	CreatedAt int64           `json:"created_at"` // Unix milliseconds
	Index     int             `json:"index"`
	Type      StreamEventType `json:"event"`
	Content   string          `json:"content,omitempty"`
}

// NewChunkEvent creates a chunk event with a fresh Id and timestamp.
func NewChunkEvent(content string) StreamEvent {
	return StreamEvent{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      StreamEventChunk,
		Content:   content,
	}
}

// NewErrorEvent creates an error event carrying the given message.
func NewErrorEvent(message string) StreamEvent {
	return StreamEvent{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      StreamEventError,
		Content:   message,
	}
}

// NewDoneEvent creates a terminal done event.
func NewDoneEvent() StreamEvent {
	return StreamEvent{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      StreamEventDone,
	}
}

// IsTerminal reports whether this event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// CreatedAtTime returns CreatedAt as a time.Time.
func (e StreamEvent) CreatedAtTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// StreamCallback is invoked for each parsed event during a Read.
// Returning a non-nil error stops the read.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream Result
// =============================================================================

// StreamResult is the aggregated outcome of consuming one chat stream.
//
// Timestamps are Unix milliseconds. FirstChunkAt and CompletedAt are
// zero until the corresponding event has been observed.
type StreamResult struct {
	Id           string `json:"id"`
	RequestID    string `json:"request_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	FirstChunkAt int64  `json:"first_chunk_at,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`

	Answer      string `json:"answer"`
	Error       string `json:"error,omitempty"`
	TotalChunks int    `json:"total_chunks"`
	TotalEvents int    `json:"total_events"`
}

// NewStreamResult creates an empty result with a fresh Id and timestamp.
func NewStreamResult() *StreamResult {
	return &StreamResult{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
	}
}

// NewStreamResultWithRequestID creates an empty result tagged with a
// client request identifier for log correlation.
func NewStreamResultWithRequestID(requestID string) *StreamResult {
	result := NewStreamResult()
	result.RequestID = requestID
	return result
}

// HasError reports whether the stream ended with an error event.
func (r *StreamResult) HasError() bool {
	return r.Error != ""
}

// Duration returns the wall-clock time from creation to completion.
// Returns 0 if either timestamp is unset.
func (r *StreamResult) Duration() time.Duration {
	if r.CreatedAt == 0 || r.CompletedAt == 0 {
		return 0
	}
	return time.Duration(r.CompletedAt-r.CreatedAt) * time.Millisecond
}

// TimeToFirstChunk returns the latency from creation to the first chunk.
// Returns 0 if either timestamp is unset.
func (r *StreamResult) TimeToFirstChunk() time.Duration {
	if r.CreatedAt == 0 || r.FirstChunkAt == 0 {
		return 0
	}
	return time.Duration(r.FirstChunkAt-r.CreatedAt) * time.Millisecond
}

// ChunksPerSecond returns the average chunk throughput for the stream.
// Returns 0 when no chunks arrived or the duration is zero.
func (r *StreamResult) ChunksPerSecond() float64 {
	duration := r.Duration()
	if r.TotalChunks == 0 || duration == 0 {
		return 0
	}
	return float64(r.TotalChunks) / duration.Seconds()
}

// CreatedAtTime returns CreatedAt as a time.Time.
func (r *StreamResult) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// CompletedAtTime returns CompletedAt as a time.Time.
func (r *StreamResult) CompletedAtTime() time.Time {
	return time.UnixMilli(r.CompletedAt)
}

// FirstChunkAtTime returns FirstChunkAt as a time.Time, or the zero
// time if no chunk was observed.
func (r *StreamResult) FirstChunkAtTime() time.Time {
	if r.FirstChunkAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.FirstChunkAt)
}
