// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chatbot service.
//
// This file contains the request types for the streaming chat endpoint and
// the message-stack helper that prepares a conversation for the LLM backend.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

// Message roles accepted on inbound chat requests.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Checked as byte length, not rune count, to bound request memory.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100
)

// DefaultSystemPrompt is prepended to a conversation when the client supplies
// no system turn of its own. See BuildMessageStack.
const DefaultSystemPrompt = "You are a calm, friendly, and detail-oriented AI assistant. " +
	"Explain your reasoning clearly and keep responses concise unless the user asks for more depth."

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message content size
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed MaxMessageContentBytes.
//
// # Description
//
// Custom validator enforcing the per-message size limit. Checks byte length
// (not rune count) to prevent memory exhaustion with large payloads.
//
// # Inputs
//
//   - fl: Validator field level containing the string to validate
//
// # Outputs
//
//   - bool: true if content <= 32KB, false otherwise
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Request Types
// =============================================================================

// Message is a single role-tagged turn in a conversation history.
//
// Role must be one of "user", "assistant", or "system". Content must be
// non-empty and at most 32KB.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatRequest represents the body of a streaming chat request.
//
// # Description
//
// ChatRequest carries the full conversation history for one turn of chat.
// The server holds no conversation state between requests, so the client
// resends the history (oldest message first) on every call. This is the
// request type for the POST /api/chat endpoint.
//
// # Fields
//
//   - Messages: Required. Conversation history with 1-100 messages in
//     chronological order. Each message must have a Role ("user",
//     "assistant", "system") and non-empty Content of at most 32KB.
//
// # Validation
//
// Uses go-playground/validator:
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Role: required, one of user/assistant/system
//   - Messages[].Content: required, max 32768 bytes (32KB)
//
// # Examples
//
//	req := ChatRequest{
//	    Messages: []Message{
//	        {Role: "user", Content: "Hello"},
//	    },
//	}
//
// # Limitations
//
//   - Maximum 100 messages per request (clients must truncate old history)
//   - No per-request model or sampling overrides
//
// # Assumptions
//
//   - Messages are in chronological order (oldest first)
type ChatRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,max=100,dive"`
}

// Validate validates the ChatRequest fields.
//
// # Description
//
// Performs validation using go-playground/validator tags and custom validators.
// This method should be called after binding the JSON request.
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field
//
// # Examples
//
//	if err := req.Validate(); err != nil {
//	    return fmt.Errorf("invalid request: %w", err)
//	}
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Message Stack Construction
// =============================================================================

// BuildMessageStack prepares the outbound message sequence for an LLM call.
//
// # Description
//
// Returns a copy of messages with systemPrompt prepended as a system turn
// when the history contains no system turn anywhere. A history that already
// carries a system turn (in any position) is returned unchanged, so applying
// the function twice never injects a second prompt. The input slice is never
// mutated.
//
// # Inputs
//
//   - messages: Conversation history in chronological order
//   - systemPrompt: System instruction to inject when none is present
//
// # Outputs
//
//   - []Message: New slice, safe for the caller to modify
//
// # Examples
//
//	stack := BuildMessageStack(req.Messages, DefaultSystemPrompt)
//	err := llmClient.ChatStream(ctx, stack, params, callback)
func BuildMessageStack(messages []Message, systemPrompt string) []Message {
	for _, m := range messages {
		if m.Role == RoleSystem {
			out := make([]Message, len(messages))
			copy(out, messages)
			return out
		}
	}

	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: systemPrompt})
	out = append(out, messages...)
	return out
}
