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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
	"github.com/Leo-Zh9/chatbot/services/llm"
	"github.com/Leo-Zh9/chatbot/services/override_engine"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// StreamingMockLLMClient implements llm.LLMClient for streaming handler testing.
//
// # Description
//
// Provides configurable mock for testing streaming chat handlers.
// Allows simulating chunk-by-chunk streaming, mid-stream error events,
// and terminal errors.
type StreamingMockLLMClient struct {
	// StreamTokens are the content increments to emit during ChatStream
	StreamTokens []string
	// MidStreamError, when set, is emitted as an error event after the tokens
	MidStreamError error
	// StreamError is returned as error by ChatStream
	StreamError error
	// ChatStreamCallCount tracks how many times ChatStream was called
	ChatStreamCallCount int
	// LastMessages stores the last messages passed to ChatStream
	LastMessages []datatypes.Message
}

// ChatStream implements llm.LLMClient.ChatStream for testing.
// Emits configured tokens one by one.
func (m *StreamingMockLLMClient) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	m.ChatStreamCallCount++
	m.LastMessages = messages

	for _, token := range m.StreamTokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}

	if m.MidStreamError != nil {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventError, Error: m.MidStreamError}); err != nil {
			return err
		}
	}

	return m.StreamError
}

// createTestStreamingChatHandler creates a StreamingChatHandler with mock dependencies.
func createTestStreamingChatHandler(t *testing.T, mockLLM *StreamingMockLLMClient) StreamingChatHandler {
	t.Helper()

	engine, err := override_engine.NewOverrideEngine()
	require.NoError(t, err, "override engine should initialize")

	return NewStreamingChatHandler(mockLLM, engine, "", llm.GenerationParams{})
}

// postChatStream sends a chat request through a fresh router and returns the recorder.
func postChatStream(t *testing.T, handler StreamingChatHandler, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	router := gin.New()
	router.POST("/api/chat", handler.HandleChatStream)

	req, err := http.NewRequest("POST", "/api/chat", bytes.NewBuffer(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// marshalChatRequest builds the JSON body for a chat request.
func marshalChatRequest(t *testing.T, messages []datatypes.Message) []byte {
	t.Helper()

	jsonBytes, err := json.Marshal(datatypes.ChatRequest{Messages: messages})
	require.NoError(t, err)
	return jsonBytes
}

// =============================================================================
// NewStreamingChatHandler Tests
// =============================================================================

// TestNewStreamingChatHandler_PanicsOnNilLLMClient verifies that NewStreamingChatHandler
// panics when llmClient is nil.
func TestNewStreamingChatHandler_PanicsOnNilLLMClient(t *testing.T) {
	engine, err := override_engine.NewOverrideEngine()
	require.NoError(t, err)

	assert.Panics(t, func() {
		NewStreamingChatHandler(nil, engine, "", llm.GenerationParams{})
	}, "should panic on nil llmClient")
}

// TestNewStreamingChatHandler_PanicsOnNilOverrideEngine verifies that
// NewStreamingChatHandler panics when overrideEngine is nil.
func TestNewStreamingChatHandler_PanicsOnNilOverrideEngine(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}

	assert.Panics(t, func() {
		NewStreamingChatHandler(mockLLM, nil, "", llm.GenerationParams{})
	}, "should panic on nil overrideEngine")
}

// TestNewStreamingChatHandler_Success verifies that NewStreamingChatHandler
// creates a valid handler when all dependencies are provided.
func TestNewStreamingChatHandler_Success(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}
	engine, err := override_engine.NewOverrideEngine()
	require.NoError(t, err)

	handler := NewStreamingChatHandler(mockLLM, engine, "", llm.GenerationParams{})

	assert.NotNil(t, handler, "handler should not be nil")
}

// TestNewStreamingChatHandler_DefaultsSystemPrompt verifies that an empty
// system prompt selects the built-in default.
func TestNewStreamingChatHandler_DefaultsSystemPrompt(t *testing.T) {
	engine, err := override_engine.NewOverrideEngine()
	require.NoError(t, err)

	handler := NewStreamingChatHandler(&StreamingMockLLMClient{}, engine, "", llm.GenerationParams{})

	h, ok := handler.(*streamingChatHandler)
	require.True(t, ok, "production handler should be a *streamingChatHandler")
	assert.Equal(t, datatypes.DefaultSystemPrompt, h.systemPrompt)
}

// =============================================================================
// HandleChatStream Request Validation Tests
// =============================================================================

// TestHandleChatStream_InvalidRequestBody verifies that the handler
// returns 400 when the request body is invalid JSON.
func TestHandleChatStream_InvalidRequestBody(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, []byte("not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 for invalid JSON")
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount, "LLM should not be called")
}

// TestHandleChatStream_EmptyMessages verifies the canonical 400 response
// for a request whose messages array is empty.
func TestHandleChatStream_EmptyMessages(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{}))

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 for empty messages")
	assert.JSONEq(t, `{"error": "At least one user message is required."}`, w.Body.String())
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount, "LLM should not be called")
}

// TestHandleChatStream_MissingMessagesField verifies that a body without a
// messages field gets the same canonical 400 as an empty array.
func TestHandleChatStream_MissingMessagesField(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, []byte(`{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error": "At least one user message is required."}`, w.Body.String())
}

// TestHandleChatStream_ValidationFailure verifies that the handler
// returns 400 when a message fails structural validation.
func TestHandleChatStream_ValidationFailure(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}
	handler := createTestStreamingChatHandler(t, mockLLM)

	// Role outside the allowed set fails validation
	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "wizard", Content: "hello"},
	}))

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 for validation failure")
	assert.Contains(t, w.Body.String(), "invalid request: validation failed")
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount, "LLM should not be called")
}

// =============================================================================
// HandleChatStream Streaming Tests
// =============================================================================

// TestHandleChatStream_Success verifies that the handler relays chunks
// in order and terminates the stream with a done frame.
func TestHandleChatStream_Success(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"Hello", " ", "world", "!"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "Hello"},
	}))

	assert.Equal(t, http.StatusOK, w.Code, "should return 200")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"), "should set SSE content type")

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 5, "should emit four chunk frames and one done frame")
	assert.Equal(t, "Hello world!", chunkContents(events), "chunks should reassemble the full answer")
	assert.Equal(t, datatypes.EventDone, events[len(events)-1].Event, "done frame should be last")

	assert.Equal(t, 1, mockLLM.ChatStreamCallCount, "ChatStream should be called once")
}

// TestHandleChatStream_SSEHeaders verifies that the handler sets
// correct SSE headers.
func TestHandleChatStream_SSEHeaders(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"test"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "test"},
	}))

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}

// TestHandleChatStream_DoneFrameOmitsContent verifies the exact wire shape
// of the terminal frame: no content key, exactly one occurrence, last.
func TestHandleChatStream_DoneFrameOmitsContent(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"hi"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hi"},
	}))

	body := w.Body.String()
	assert.Contains(t, body, `data: {"event":"done"}`, "done frame should omit the content key")
	assert.Equal(t, 1, strings.Count(body, `"event":"done"`), "exactly one done frame")

	events := parseSSEEvents(t, body)
	assert.Equal(t, datatypes.EventDone, events[len(events)-1].Event)
}

// TestHandleChatStream_UpstreamErrorMasked verifies that a provider failure
// reaches the client as the fixed error message, never the raw detail.
func TestHandleChatStream_UpstreamErrorMasked(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamError: errors.New("connection refused: upstream 127.0.0.1:11434"),
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hello"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 2, "should emit one error frame and one done frame")
	assert.Equal(t, datatypes.EventError, events[0].Event)
	assert.Equal(t, "The assistant ran into an issue. Try again shortly.", events[0].Content)
	assert.Equal(t, datatypes.EventDone, events[1].Event, "done frame should still terminate the stream")

	// SEC-005: internals must not leak
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.NotContains(t, w.Body.String(), "127.0.0.1")
}

// TestHandleChatStream_ErrorAfterPartialStream verifies frame order when the
// provider fails mid-answer: relayed chunks, one error frame, then done.
func TestHandleChatStream_ErrorAfterPartialStream(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"partial ", "answer"},
		StreamError:  errors.New("model crashed"),
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hello"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, datatypes.EventChunk, events[0].Event)
	assert.Equal(t, datatypes.EventChunk, events[1].Event)
	assert.Equal(t, datatypes.EventError, events[2].Event)
	assert.Equal(t, datatypes.EventDone, events[3].Event)
	assert.Equal(t, "partial answer", chunkContents(events))
}

// TestHandleChatStream_MidStreamErrorEventProducesNoFrame verifies that
// error events surfaced by the provider during a stream that ultimately
// succeeds do not turn into client-visible error frames.
func TestHandleChatStream_MidStreamErrorEventProducesNoFrame(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens:   []string{"fine"},
		MidStreamError: errors.New("transient upstream hiccup"),
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hello"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	assert.Equal(t, 0, countEvents(events, datatypes.EventError), "no error frame for a stream that completed")
	assert.Equal(t, 1, countEvents(events, datatypes.EventChunk))
	assert.Equal(t, datatypes.EventDone, events[len(events)-1].Event)
}

// TestHandleChatStream_EmptyChunksSkipped verifies that empty content
// increments are dropped instead of producing empty frames.
func TestHandleChatStream_EmptyChunksSkipped(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"", "Hi", ""},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hello"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	assert.Equal(t, 1, countEvents(events, datatypes.EventChunk), "empty increments produce no frames")
	assert.Equal(t, "Hi", chunkContents(events))
}

// TestHandleChatStream_UnescapesDoubledBackslashes verifies that doubled
// backslashes from the model runtime are collapsed before relay.
func TestHandleChatStream_UnescapesDoubledBackslashes(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{`\\(x\\)`},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "show me latex"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	require.Equal(t, 1, countEvents(events, datatypes.EventChunk))
	assert.Equal(t, `\(x\)`, chunkContents(events))
}

// TestHandleChatStream_NonASCIIContentPreserved verifies that multi-byte
// content survives the relay byte for byte.
func TestHandleChatStream_NonASCIIContentPreserved(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"héllo ", "世界 ", "🎉"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "greet me"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	assert.Equal(t, "héllo 世界 🎉", chunkContents(events))
	assert.Contains(t, w.Body.String(), "世界", "non-ASCII should be literal on the wire, not escaped")
}

// =============================================================================
// HandleChatStream Override Tests
// =============================================================================

// TestHandleChatStream_OverrideDirectQuestion verifies that a matching
// conversation is answered with the canned reply as a single chunk and the
// model is never called.
func TestHandleChatStream_OverrideDirectQuestion(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"model answer that must not appear"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "who's the goat?"},
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 2, "override reply is one chunk plus done")
	assert.Equal(t, datatypes.EventChunk, events[0].Event)
	assert.Contains(t, events[0].Content, "Leo Zhang")
	assert.Contains(t, events[0].Content, "leaderboard")
	assert.Equal(t, datatypes.EventDone, events[1].Event)

	assert.Equal(t, 0, mockLLM.ChatStreamCallCount, "model must not be called for an override")
	assert.NotContains(t, w.Body.String(), "model answer")
}

// TestHandleChatStream_OverrideOnEarlierTurn verifies that a trigger in an
// older user turn still serves the canned reply when the latest turn is a
// follow-up.
func TestHandleChatStream_OverrideOnEarlierTurn(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"should not be reached"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "who's the best?"},
		{Role: "assistant", Content: "Leo Zhang is the best."},
		{Role: "user", Content: "really?"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Contains(t, events[0].Content, "Leo Zhang")
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount)
}

// TestHandleChatStream_NegativeContextReachesModel verifies that a
// conversation disqualified by a negative keyword is forwarded to the model
// instead of being answered with the canned reply.
func TestHandleChatStream_NegativeContextReachesModel(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"honest answer"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	w := postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "is he the worst player in the league?"},
	}))

	events := parseSSEEvents(t, w.Body.String())
	assert.Equal(t, "honest answer", chunkContents(events))
	assert.Equal(t, 1, mockLLM.ChatStreamCallCount, "negative context must fall through to the model")
}

// =============================================================================
// HandleChatStream Normalization Tests
// =============================================================================

// TestHandleChatStream_SystemPromptInjected verifies that a conversation
// without a system turn reaches the model with the default prompt prepended.
func TestHandleChatStream_SystemPromptInjected(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"ok"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hi"},
	}))

	require.Len(t, mockLLM.LastMessages, 2, "system turn should be prepended")
	assert.Equal(t, datatypes.RoleSystem, mockLLM.LastMessages[0].Role)
	assert.Equal(t, datatypes.DefaultSystemPrompt, mockLLM.LastMessages[0].Content)
	assert.Equal(t, "hi", mockLLM.LastMessages[1].Content)
}

// TestHandleChatStream_ExistingSystemPromptPreserved verifies that a
// client-supplied system turn suppresses injection regardless of position.
func TestHandleChatStream_ExistingSystemPromptPreserved(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"ok"},
	}
	handler := createTestStreamingChatHandler(t, mockLLM)

	// System turn first
	postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "system", Content: "You are a pirate."},
		{Role: "user", Content: "hi"},
	}))

	require.Len(t, mockLLM.LastMessages, 2, "no additional system turn")
	assert.Equal(t, "You are a pirate.", mockLLM.LastMessages[0].Content)

	// System turn in a later position still suppresses injection
	postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "Mid-conversation instruction."},
	}))

	require.Len(t, mockLLM.LastMessages, 2)
	assert.Equal(t, datatypes.RoleUser, mockLLM.LastMessages[0].Role, "order must be preserved")
}

// TestHandleChatStream_CustomSystemPrompt verifies that a configured system
// prompt is the one injected.
func TestHandleChatStream_CustomSystemPrompt(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"ok"},
	}
	engine, err := override_engine.NewOverrideEngine()
	require.NoError(t, err)

	handler := NewStreamingChatHandler(mockLLM, engine, "Answer only in haiku.", llm.GenerationParams{})

	postChatStream(t, handler, marshalChatRequest(t, []datatypes.Message{
		{Role: "user", Content: "hi"},
	}))

	require.Len(t, mockLLM.LastMessages, 2)
	assert.Equal(t, "Answer only in haiku.", mockLLM.LastMessages[0].Content)
}

// =============================================================================
// Helper Functions
// =============================================================================

// parseSSEEvents parses the data-only SSE frames from a response body.
//
// The wire protocol carries no "event:" lines; every frame is a single
// "data:" line whose payload is a JSON StreamEvent.
func parseSSEEvents(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()

	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &event), "frame payload should be valid JSON: %s", payload)
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())

	return events
}

// chunkContents concatenates the content of all chunk frames in order.
func chunkContents(events []datatypes.StreamEvent) string {
	var sb strings.Builder
	for _, e := range events {
		if e.Event == datatypes.EventChunk {
			sb.WriteString(e.Content)
		}
	}
	return sb.String()
}

// countEvents counts frames of the given kind.
func countEvents(events []datatypes.StreamEvent, kind string) int {
	n := 0
	for _, e := range events {
		if e.Event == kind {
			n++
		}
	}
	return n
}
