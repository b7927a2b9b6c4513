package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Leo-Zh9/chatbot/pkg/validation"
	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicDefaultURL = "https://api.anthropic.com/v1/messages"

	// anthropicDefaultMaxTokens caps the reply when the request carries
	// no explicit budget. The Messages API requires max_tokens.
	anthropicDefaultMaxTokens = 4096
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"` // Top-level system prompt
	MaxTokens int                `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

// anthropicStreamEvent covers the SSE payloads we care about. The
// Messages API also emits message_start, content_block_start, ping and
// friends; those carry no reply text and are skipped.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicClient streams chat completions from the Anthropic Messages
// API. Unlike the chat-style providers, Anthropic takes the system
// prompt as a top-level field, so system turns are lifted out of the
// message list before the request is built.
type AnthropicClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := os.Getenv("ANTHROPIC_MODEL")

	if apiKey == "" {
		secretPath := "/run/secrets/anthropic_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read the Anthropic API Key from Podman Secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
	}

	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Warn("ANTHROPIC_MODEL not set, defaulting to claude-3-5-sonnet-20240620")
	}
	if err := validation.ValidateModel(model); err != nil {
		return nil, fmt.Errorf("invalid ANTHROPIC_MODEL: %w", err)
	}

	baseURL := anthropicDefaultURL
	if override := os.Getenv("ANTHROPIC_BASE_URL"); override != "" {
		baseURL = strings.TrimSuffix(override, "/")
	}

	slog.Info("Initializing Anthropic client", "model", model)
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// ChatStream implements the LLMClient interface
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	slog.Debug("Streaming chat via Anthropic", "model", a.model)

	apiMessages := make([]anthropicMessage, 0, len(messages))
	var systemPrompt string
	for _, msg := range messages {
		// System turns become the top-level system field. The stack
		// builder guarantees at most one.
		if msg.Role == datatypes.RoleSystem {
			systemPrompt = msg.Content
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{Type: "text", Text: systemPrompt}
		// Long prompts are worth caching server-side across turns.
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	reqPayload := anthropicRequest{
		Model:     a.model,
		Messages:  apiMessages,
		System:    systemBlocks,
		MaxTokens: anthropicDefaultMaxTokens,
		Stream:    true,
	}
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.TopP != nil {
		reqPayload.TopP = params.TopP
	}
	if params.TopK != nil {
		reqPayload.TopK = params.TopK
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		reqPayload.StopSeqs = params.Stop
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request to Anthropic: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create chat request to Anthropic: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send the request to %s: %w", a.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("Anthropic returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return fmt.Errorf("anthropic chat failed with status %d: %s", resp.StatusCode,
			strings.TrimSpace(string(respBody)))
	}

	return a.consumeStream(ctx, resp.Body, callback)
}

// consumeStream reads SSE lines from the Messages API and forwards
// text deltas to the callback until the stream completes or fails.
func (a *AnthropicClient) consumeStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		// Stop pulling promptly once the request is cancelled.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		// Skip blanks and "event:" lines; the data payload repeats the
		// event type and is all we need.
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			slog.Warn("Skipping malformed Anthropic stream event", "error", err)
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: event.Delta.Text}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
		case "error":
			msg := "unknown error"
			if event.Error != nil {
				msg = fmt.Sprintf("%s - %s", event.Error.Type, event.Error.Message)
			}
			streamErr := fmt.Errorf("anthropic stream error: %s", msg)
			if cbErr := callback(StreamEvent{Type: StreamEventError, Error: streamErr}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return streamErr
		case "message_stop":
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed reading Anthropic stream: %w", err)
	}
	return nil
}
