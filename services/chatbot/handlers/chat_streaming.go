// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// =============================================================================
// STREAMING CHAT MODULE
// =============================================================================
//
// This module implements the SSE chat endpoint. A request is answered in one
// of two delivery modes:
//
//   - Fixed: the override engine matched the conversation, so the canned
//     reply goes out as a single chunk frame followed by done. The model
//     is never called.
//   - Streaming: the normalized message stack is forwarded to the LLM
//     backend and content increments are relayed as chunk frames as they
//     arrive.
//
// Every stream ends with exactly one done frame regardless of outcome, so
// clients can always distinguish a finished stream from a severed
// connection. At most one error frame precedes it, and that frame carries
// a fixed client-safe message rather than provider detail.
//
// =============================================================================

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
	"github.com/Leo-Zh9/chatbot/services/chatbot/middleware"
	"github.com/Leo-Zh9/chatbot/services/chatbot/observability"
	"github.com/Leo-Zh9/chatbot/services/llm"
	"github.com/Leo-Zh9/chatbot/services/override_engine"
)

// =============================================================================
// Streaming Callback Types
// =============================================================================

// StreamCallback is called for each content increment during streaming.
//
// # Description
//
// StreamCallback receives increments as they are generated by the LLM.
// The callback should write each chunk to the SSE stream.
// Return an error to abort streaming (e.g., on client disconnect).
//
// # Inputs
//
//   - event: Stream event containing chunk content or an error.
//
// # Outputs
//
//   - error: Non-nil to abort streaming.
//
// # Limitations
//
//   - Must be safe to call from any goroutine.
//
// # Assumptions
//
//   - Called in content order.
type StreamCallback = llm.StreamCallback

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler defines the contract for handling streaming chat HTTP requests.
//
// # Description
//
// StreamingChatHandler abstracts the chat endpoint handling, enabling
// different implementations and facilitating testing via mocks. The
// interface provides a Server-Sent Events (SSE) streaming endpoint.
//
// # Security Model
//
//   - Provider errors are never forwarded verbatim; clients receive a fixed
//     message while the full error is logged server-side.
//   - The complete relayed answer is hashed in locked memory for the
//     integrity log.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// HTTP handlers are called concurrently by the Gin framework.
//
// # Limitations
//
//   - Requires LLM client that supports streaming (ChatStream method)
//   - Client must support SSE (EventSource or similar)
//
// # Assumptions
//
//   - All dependencies are properly initialized before handler use
//   - Gin context is valid and not nil
type StreamingChatHandler interface {
	// HandleChatStream processes chat requests with SSE streaming.
	//
	// # Description
	//
	// Handles POST /api/chat requests. Streams the assistant response via
	// Server-Sent Events, either from the override engine's canned reply
	// or from the upstream model.
	//
	// # Inputs
	//
	//   - c: Gin context containing the HTTP request.
	//
	// # Outputs
	//
	// SSE stream with frames:
	//   - chunk: Assistant content increments
	//   - error: Client-safe failure notice (at most one)
	//   - done: Stream completion (always, exactly once)
	//
	// # Assumptions
	//
	//   - Client supports SSE
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// streamingChatHandler implements StreamingChatHandler for production use.
//
// # Description
//
// streamingChatHandler coordinates between the HTTP layer and streaming
// business logic. It performs HTTP-related tasks and delegates LLM
// streaming to injected services:
//   - Request parsing and validation
//   - Override detection before any model call
//   - Message stack normalization
//   - SSE frame emission
//   - Error handling and cleanup
//
// # Fields
//
//   - llmClient: LLM client with streaming support (must implement ChatStream)
//   - overrideEngine: Detector for conversations answered with the canned reply
//   - systemPrompt: System turn injected when the conversation has none
//   - params: Generation parameters forwarded to the model
//   - tracer: OpenTelemetry tracer for distributed tracing
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
// No shared mutable state between requests.
//
// # Limitations
//
//   - Requires LLM client that supports ChatStream method
//
// # Assumptions
//
//   - Dependencies are non-nil and properly configured
type streamingChatHandler struct {
	llmClient      llm.LLMClient
	overrideEngine *override_engine.OverrideEngine
	systemPrompt   string
	params         llm.GenerationParams
	tracer         trace.Tracer
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamingChatHandler creates a StreamingChatHandler with the provided dependencies.
//
// # Description
//
// Creates a fully configured streamingChatHandler for production use.
// All dependencies must be properly initialized before calling.
// Panics if llmClient or overrideEngine is nil (programming errors).
//
// # Inputs
//
//   - llmClient: LLM client with streaming support. Must not be nil.
//   - overrideEngine: Override detector. Must not be nil.
//   - systemPrompt: System turn to inject when the conversation has none.
//     Empty string selects the built-in default prompt.
//   - params: Generation parameters forwarded on every model call.
//
// # Outputs
//
//   - StreamingChatHandler: Ready for use with Gin router
//
// # Examples
//
//	handler := handlers.NewStreamingChatHandler(llmClient, engine, "", params)
//	router.POST("/api/chat", handler.HandleChatStream)
//
// # Limitations
//
//   - Panics on nil llmClient or overrideEngine
//
// # Assumptions
//
//   - llmClient and overrideEngine are non-nil and ready for use
//   - llmClient supports ChatStream method
func NewStreamingChatHandler(
	llmClient llm.LLMClient,
	overrideEngine *override_engine.OverrideEngine,
	systemPrompt string,
	params llm.GenerationParams,
) StreamingChatHandler {
	if llmClient == nil {
		panic("NewStreamingChatHandler: llmClient must not be nil")
	}
	if overrideEngine == nil {
		panic("NewStreamingChatHandler: overrideEngine must not be nil")
	}

	if systemPrompt == "" {
		systemPrompt = datatypes.DefaultSystemPrompt
	}

	return &streamingChatHandler{
		llmClient:      llmClient,
		overrideEngine: overrideEngine,
		systemPrompt:   systemPrompt,
		params:         params,
		tracer:         otel.Tracer("chatbot.handlers.chat_streaming"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes chat requests with SSE streaming.
//
// # Description
//
// Handles POST /api/chat requests. The flow is:
//  1. Parse and validate request body
//  2. Run override detection on the conversation as received
//  3. If an override matched, emit the canned reply as one chunk + done
//  4. Otherwise normalize the message stack (inject default system turn)
//  5. Set SSE headers and create writer
//  6. Stream chunks from the LLM via ChatStream
//  7. Emit the terminal done frame (deferred; runs on every path)
//
// # Inputs
//
//   - c: Gin context containing the HTTP request
//
// Request Body (datatypes.ChatRequest):
//   - messages: Required. Array of message objects (1-100) with role and content.
//
// # Outputs
//
// SSE frames:
//   - data: {"event":"chunk","content":"Hello"}
//   - data: {"event":"error","content":"The assistant ran into an issue. Try again shortly."}
//   - data: {"event":"done"}
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid request body or validation failure
//   - 500 Internal Server Error: SSE setup failure
//
// # Examples
//
// Request:
//
//	POST /api/chat
//	Accept: text/event-stream
//	{"messages": [{"role": "user", "content": "Hello"}]}
//
// Response (SSE stream):
//
//	data: {"event":"chunk","content":"Hi"}
//
//	data: {"event":"chunk","content":" there"}
//
//	data: {"event":"done"}
//
// # Limitations
//
//   - Errors during streaming are sent as frames, not HTTP errors
//
// # Assumptions
//
//   - Request body is valid JSON
//   - LLM client supports ChatStream method
//   - Client supports SSE
//
// # Security References
//
//   - SEC-003: Message size limits enforced via validation
//   - SEC-005: Internal errors not exposed to client
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	requestID := middleware.GetRequestID(c)
	span.SetAttributes(attribute.String("request.id", requestID))

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		// Record final metrics
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, duration, success)
		}
	}()

	// Step 1: Parse request body
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse streaming chat request",
			"error", err,
			"requestId", requestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	span.SetAttributes(attribute.Int("request.message_count", len(req.Messages)))

	// Step 2: Reject empty conversations before structural validation so
	// clients get the canonical message for this case.
	if len(req.Messages) == 0 {
		span.SetStatus(codes.Error, "empty message list")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one user message is required."})
		return
	}

	// Step 3: Validate request
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Streaming request validation failed",
			"error", err,
			"requestId", requestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 4: Run override detection on the conversation as received.
	// Detection sees the raw turns; normalization happens after, and only
	// for conversations that actually reach the model.
	if match, ok := h.overrideEngine.Detect(req.Messages); ok {
		span.SetAttributes(
			attribute.Bool("override.served", true),
			attribute.String("override.trigger", string(match.Trigger)),
		)
		slog.Info("Serving canned override reply",
			"requestId", requestID,
			"trigger", match.Trigger,
		)

		SetSSEHeaders(c.Writer)
		sseWriter, err := NewSSEWriter(c.Writer)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "SSE setup failed")
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeInternal)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordOverride(string(match.Trigger))
		}

		// The whole reply goes out as a single chunk, then the stream closes.
		if err := sseWriter.WriteChunk(match.Reply); err != nil {
			slog.Debug("Failed to write override chunk",
				"error", err,
				"requestId", requestID,
			)
		}
		if err := sseWriter.WriteDone(); err != nil {
			slog.Debug("Failed to write done frame",
				"error", err,
				"requestId", requestID,
			)
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordChunksRelayed(endpoint, 1)
		}

		success = true
		span.SetStatus(codes.Ok, "override reply served")
		return
	}

	// Step 5: Normalize the message stack. A conversation with no system
	// turn anywhere gets the default prompt prepended; any existing system
	// turn, at any position, suppresses injection.
	messages := datatypes.BuildMessageStack(req.Messages, h.systemPrompt)
	span.SetAttributes(attribute.Bool("request.system_injected", len(messages) != len(req.Messages)))

	// Step 6: Set SSE headers and create writer
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer",
			"error", err,
			"requestId", requestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// Every stream terminates with a done frame, error or not. Registering
	// the write here, before any streaming starts, guarantees the terminal
	// frame survives every failure path below.
	defer func() {
		if err := sseWriter.WriteDone(); err != nil {
			slog.Debug("Failed to write done frame",
				"error", err,
				"requestId", requestID,
			)
		}
	}()

	// Step 7: Create accumulator for the integrity log
	accumulator, accErr := NewSecureChunkAccumulator()
	if accErr != nil {
		slog.Debug("failed to create chunk accumulator", "error", accErr)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	// Step 8: Stream chunks from the LLM
	var chunkCount int32
	firstTokenTime := time.Time{}
	streamErr := h.streamFromLLMWithMetrics(ctx, requestID, messages, sseWriter, &chunkCount, &firstTokenTime, accumulator)

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "LLM streaming failed")
		span.SetAttributes(attribute.Int("stream.chunk_count", int(chunkCount)))
		slog.Error("LLM streaming failed",
			"error", streamErr,
			"requestId", requestID,
			"chunkCount", chunkCount,
		)

		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded) {
			// Client is gone; there is no one left to tell. The deferred
			// done write becomes a no-op on the dead connection.
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(endpoint)
			}
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeLLMError)
		}

		// SEC-005: the client sees the fixed message, never the provider error.
		if werr := sseWriter.WriteError(sanitizeErrorForClient(streamErr.Error())); werr != nil {
			slog.Debug("Failed to write error frame",
				"error", werr,
				"requestId", requestID,
			)
		}
		return
	}

	// Record time to first token
	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, ttft)
		}
	}

	span.SetAttributes(attribute.Int("stream.chunk_count", int(chunkCount)))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordChunksRelayed(endpoint, int(chunkCount))
	}

	// Step 9: Record the answer hash for the integrity trail
	if accumulator != nil {
		if _, answerHash, ferr := accumulator.Finalize(); ferr == nil {
			slog.Info("Chat stream completed",
				"requestId", requestID,
				"chunkCount", chunkCount,
				"answerSha256", answerHash,
			)
		}
	}

	success = true
	span.SetStatus(codes.Ok, "stream completed successfully")
}

// =============================================================================
// Streaming Helpers
// =============================================================================

// streamFromLLMWithMetrics streams chunks from the LLM to the SSE writer.
//
// # Description
//
// Calls the LLM's ChatStream method and relays content increments to the
// SSE writer as they arrive. Each increment is unescaped and dropped if
// empty before becoming a chunk frame. Chunk counts and first-chunk
// timing are recorded through the provided pointers.
//
// Upstream error events are logged but produce no frame here; the caller
// writes the single client-facing error frame after ChatStream returns,
// which keeps the frame count independent of how many error events a
// provider emits.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - requestID: Request identifier for logging.
//   - messages: Normalized conversation messages.
//   - writer: SSE writer for output.
//   - chunkCount: Incremented once per relayed chunk.
//   - firstTokenTime: Set when the first chunk is relayed.
//   - accumulator: Collects relayed content for the integrity log. May be nil.
//
// # Outputs
//
//   - error: Non-nil if streaming failed or was aborted.
//
// # Limitations
//
//   - Requires LLM client to implement ChatStream.
//
// # Assumptions
//
//   - Writer is ready for frames.
func (h *streamingChatHandler) streamFromLLMWithMetrics(
	ctx context.Context,
	requestID string,
	messages []datatypes.Message,
	writer SSEWriter,
	chunkCount *int32,
	firstTokenTime *time.Time,
	accumulator ChunkAccumulator,
) error {
	callback := func(event llm.StreamEvent) error {
		// Explicit context cancellation check (cost control)
		// Stop processing immediately if client disconnected
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch event.Type {
		case llm.StreamEventToken:
			content := unescapeChunk(event.Content)
			if content == "" {
				// Empty increments produce no frame.
				return nil
			}

			// Track first chunk time
			if firstTokenTime.IsZero() {
				*firstTokenTime = time.Now()
			}
			atomic.AddInt32(chunkCount, 1)

			// Accumulate for the integrity log
			if accumulator != nil {
				if err := accumulator.Write(content); err != nil {
					// Log but don't fail streaming - still want user to see response
					slog.Warn("failed to accumulate chunk",
						"requestId", requestID,
						"error", err,
						"accumulatorId", accumulator.ID(),
					)
				}
			}

			return writer.WriteChunk(content)

		case llm.StreamEventError:
			// The single client-facing error frame is written by the caller
			// once ChatStream returns. Keep the provider detail server-side.
			slog.Debug("Upstream stream reported an error",
				"requestId", requestID,
				"detail", event.Error,
			)
			return nil
		}
		return nil
	}

	err := h.llmClient.ChatStream(ctx, messages, h.params, callback)
	if err != nil {
		// SEC-005: Log full error internally; the caller sends the masked version.
		slog.Error("LLM ChatStream failed",
			"requestId", requestID,
			"error", err,
			"chunkCount", atomic.LoadInt32(chunkCount),
		)
		return err
	}

	return nil
}

// unescapeChunk collapses doubled backslashes in a content increment.
//
// Some model runtimes escape backslashes in streamed partials; collapsing
// them here keeps LaTeX and similar content readable on the client.
func unescapeChunk(s string) string {
	if !strings.Contains(s, `\\`) {
		return s
	}
	return strings.ReplaceAll(s, `\\`, `\`)
}

// sanitizeErrorForClient removes internal details from error messages.
//
// # Description
//
// Per SEC-005, internal error details (stack traces, file paths, provider
// responses) must not be exposed to clients. This function returns the
// fixed, safe error message.
//
// # Inputs
//
//   - errMsg: Raw error message (may contain internal details).
//
// # Outputs
//
//   - string: Sanitized error message safe for client display.
//
// # Security References
//
//   - SEC-005: Internal errors not exposed to client
func sanitizeErrorForClient(errMsg string) string {
	// Log the full error internally for debugging
	slog.Debug("Sanitizing error for client", "original_error", errMsg)

	// Return generic message - don't expose internals
	return "The assistant ran into an issue. Try again shortly."
}
