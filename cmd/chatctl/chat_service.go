// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Leo-Zh9/chatbot/pkg/ux"
	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
)

// =============================================================================
// HTTP Client Abstraction
// =============================================================================

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error)
	Get(ctx context.Context, url string) (*http.Response, error)
}

// defaultHTTPClient wraps the standard library HTTP client.
type defaultHTTPClient struct {
	client *http.Client
}

func (c *defaultHTTPClient) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.client.Do(req)
}

func (c *defaultHTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// =============================================================================
// Streaming Chat Service
// =============================================================================

// StreamingChatService manages a multi-turn streaming conversation with
// the chatbot server. The server is stateless, so the full message
// history rides along on every request.
type StreamingChatService interface {
	// SendMessage sends a user message and streams the assistant's reply
	// to the configured writer. On success the exchange is appended to
	// the history. When the stream carries an error frame, the result's
	// Error field is set, the failed turn is rolled back, and a nil
	// error is returned; the renderer has already displayed the problem.
	SendMessage(ctx context.Context, message string) (*ux.StreamResult, error)

	// History returns a copy of the conversation so far.
	History() []datatypes.Message

	// Close releases any resources held by the service.
	Close() error
}

// StreamingChatServiceConfig holds configuration for the service.
type StreamingChatServiceConfig struct {
	// BaseURL is the chatbot server address, e.g. "http://localhost:8000".
	BaseURL string

	// Writer receives the streamed reply. Defaults to os.Stdout.
	Writer io.Writer

	// Color enables ANSI color codes in rendered output.
	Color bool

	// Timeout bounds the full request including streaming.
	// Defaults to 5 minutes.
	Timeout time.Duration
}

// streamingChatService is the concrete implementation.
type streamingChatService struct {
	client   HTTPClient
	parser   ux.SSEParser
	reader   ux.StreamReader
	baseURL  string
	messages []datatypes.Message
	writer   io.Writer
	color    bool
	mu       sync.Mutex
}

// NewStreamingChatService creates a streaming chat service.
//
// # Description
//
//	Wires the SSE parser and stream reader to an HTTP client with a
//	streaming-friendly timeout. History starts empty; the server
//	injects its default system prompt when none is supplied.
func NewStreamingChatService(config StreamingChatServiceConfig) StreamingChatService {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	client := &defaultHTTPClient{
		client: &http.Client{Timeout: timeout},
	}

	return NewStreamingChatServiceWithClient(client, config)
}

// NewStreamingChatServiceWithClient creates a service with a custom HTTP
// client. Exposed for tests.
func NewStreamingChatServiceWithClient(client HTTPClient, config StreamingChatServiceConfig) *streamingChatService {
	writer := config.Writer
	if writer == nil {
		writer = os.Stdout
	}

	parser := ux.NewSSEParser()

	return &streamingChatService{
		client:   client,
		parser:   parser,
		reader:   ux.NewSSEStreamReader(parser),
		baseURL:  config.BaseURL,
		messages: make([]datatypes.Message, 0, 10),
		writer:   writer,
		color:    config.Color,
	}
}

// SendMessage sends a message and streams the response.
func (s *streamingChatService) SendMessage(ctx context.Context, message string) (*ux.StreamResult, error) {
	requestID := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Debug("sending streaming chat message",
		"request_id", requestID,
		"message_length", len(message),
		"history_length", len(s.messages))

	s.messages = append(s.messages, datatypes.Message{
		Role:    "user",
		Content: message,
	})

	result, err := s.executeStreamingRequest(ctx, requestID)
	if err != nil {
		s.removeLastMessageLocked()
		return nil, err
	}

	if result.HasError() {
		// The error frame was already rendered mid-stream. Drop the
		// failed turn so a retry starts from clean history.
		s.removeLastMessageLocked()
		slog.Warn("stream completed with error",
			"request_id", requestID,
			"error", result.Error)
		return result, nil
	}

	if err := s.validateResult(result); err != nil {
		s.removeLastMessageLocked()
		return result, err
	}

	s.messages = append(s.messages, datatypes.Message{
		Role:    "assistant",
		Content: result.Answer,
	})

	slog.Debug("streaming chat message complete",
		"request_id", requestID,
		"total_chunks", result.TotalChunks,
		"duration_ms", result.Duration().Milliseconds(),
		"new_history_length", len(s.messages))

	return result, nil
}

// executeStreamingRequest posts the history and consumes the SSE stream.
// Must be called while holding s.mu.
func (s *streamingChatService) executeStreamingRequest(ctx context.Context, requestID string) (*ux.StreamResult, error) {
	targetURL := fmt.Sprintf("%s/api/chat", s.baseURL)

	reqBody := datatypes.ChatRequest{Messages: s.messages}
	postBody, err := json.Marshal(reqBody)
	if err != nil {
		slog.Error("failed to marshal chat request",
			"request_id", requestID,
			"error", err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := s.client.Post(ctx, targetURL, "application/json", bytes.NewBuffer(postBody))
	if err != nil {
		slog.Error("streaming request failed",
			"request_id", requestID,
			"url", targetURL,
			"error", err)
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body",
				"request_id", requestID,
				"error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("server error (%d): failed to read response body", resp.StatusCode)
		}
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(bodyBytes))
	}

	return s.processStream(ctx, requestID, resp.Body)
}

// processStream renders events as they arrive and aggregates the result.
func (s *streamingChatService) processStream(ctx context.Context, requestID string, body io.Reader) (*ux.StreamResult, error) {
	renderer := ux.NewTerminalStreamRenderer(s.writer, s.color)
	defer renderer.Finalize()

	err := s.reader.Read(ctx, body, func(event ux.StreamEvent) error {
		switch event.Type {
		case ux.StreamEventChunk:
			renderer.OnChunk(ctx, event.Content)
		case ux.StreamEventDone:
			renderer.OnDone(ctx)
		case ux.StreamEventError:
			renderer.OnError(ctx, fmt.Errorf("%s", event.Content))
		}
		return nil
	})
	if err != nil {
		slog.Error("stream read failed",
			"request_id", requestID,
			"error", err)
		return nil, fmt.Errorf("read stream: %w", err)
	}

	result := renderer.Result()
	result.RequestID = requestID
	return result, nil
}

// validateResult rejects streams that ended without producing anything.
func (s *streamingChatService) validateResult(result *ux.StreamResult) error {
	if result.Answer == "" && result.Error == "" {
		slog.Warn("stream produced no content", "request_id", result.RequestID)
		return fmt.Errorf("empty response from server")
	}
	return nil
}

// removeLastMessageLocked drops the most recent message from the history.
// Must be called while holding s.mu.
func (s *streamingChatService) removeLastMessageLocked() {
	if len(s.messages) > 0 {
		s.messages = s.messages[:len(s.messages)-1]
	}
}

// History returns a copy of the conversation history.
func (s *streamingChatService) History() []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]datatypes.Message, len(s.messages))
	copy(history, s.messages)
	return history
}

// Close releases resources. Currently a no-op kept for interface symmetry.
func (s *streamingChatService) Close() error {
	return nil
}
