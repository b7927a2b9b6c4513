// Package llm provides streaming clients for upstream chat model providers.
package llm

import (
	"context"

	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
)

// GenerationParams carries optional sampling parameters for a model call.
// Nil fields fall back to each backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Stream event types delivered to a StreamCallback.
const (
	StreamEventToken = "token"
	StreamEventError = "error"
)

// StreamEvent is a single increment produced while streaming a model response.
// Token events carry Content; error events carry Error.
type StreamEvent struct {
	Type    string
	Content string
	Error   error
}

// StreamCallback receives stream events as they arrive. Returning a non-nil
// error aborts the stream and surfaces the error from ChatStream.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	// ChatStream sends the message stack to the model and delivers the
	// response incrementally through callback. It returns after the stream
	// completes, the context is cancelled, the callback aborts, or the
	// provider fails.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
