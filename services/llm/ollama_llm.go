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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("chatbot.llm.ollama") // Specific tracer name

// maxStreamLineBytes bounds a single NDJSON line from Ollama. Chunks are
// small in practice; 1MB leaves room for pathological token batches.
const maxStreamLineBytes = 1024 * 1024

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// Ollama streaming chat API structures
type ollamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []datatypes.Message    `json:"messages"`
	Stream    bool                   `json:"stream"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// ollamaStreamMessage carries one increment of assistant output. Content is
// kept raw because OpenAI-compatible gateways in front of Ollama sometimes
// send an array of typed parts instead of a plain string.
type ollamaStreamMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type ollamaStreamChunk struct {
	Message       ollamaStreamMessage `json:"message"`
	CreatedAt     string              `json:"created_at"`
	Done          bool                `json:"done"`
	DoneReason    string              `json:"done_reason,omitempty"`
	TotalDuration int64               `json:"total_duration,omitempty"`
	Error         string              `json:"error,omitempty"`
}

func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, requests must specify model, default gpt-oss")
		model = "gpt-oss"
	}
	if err := validation.ValidateModel(model); err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_MODEL: %w", err)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)

	// OLLAMA_KEEP_ALIVE opts into startup warmup so the first user turn
	// does not pay the model load latency. Best effort: a failed warmup
	// is logged and the first chat simply loads the model itself.
	if keepAlive := os.Getenv("OLLAMA_KEEP_ALIVE"); keepAlive != "" {
		warmer := NewModelWarmer(baseURL)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := warmer.Warm(ctx, model, keepAlive); err != nil {
				slog.Warn("Ollama model warmup failed", "model", model, "error", err)
			}
		}()
	}

	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// ChatStream implements the LLMClient interface
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	slog.Debug("Streaming chat via Ollama", "model", o.model)
	chatURL := o.baseURL + "/api/chat"
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  options,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	// Use NewRequestWithContext to respect context cancellation/timeout
	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send the request to %s: %w", chatURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBody, &errResp); err == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "model", o.model)
				// Return a specific, user-friendly error
				return fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		statusErr := fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode,
			strings.TrimSpace(string(respBody)))
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, statusErr.Error())
		return statusErr
	}

	if err := o.consumeStream(ctx, resp.Body, callback); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// consumeStream reads NDJSON chunks from the response body and forwards
// token events to the callback until the stream completes or fails.
func (o *OllamaClient) consumeStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		// Stop pulling promptly once the request is cancelled.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		chunk, err := parseStreamChunk(line)
		if err != nil {
			slog.Warn("Skipping malformed Ollama stream chunk", "error", err)
			continue
		}

		if chunk.Error != "" {
			streamErr := fmt.Errorf("ollama stream error: %s", chunk.Error)
			if cbErr := callback(StreamEvent{Type: StreamEventError, Error: streamErr}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return streamErr
		}

		if content := FlattenContent(chunk.Message.Content); content != "" {
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: content}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}

		if chunk.Done {
			slog.Debug("Ollama stream complete",
				"done_reason", chunk.DoneReason,
				"total_duration_ms", chunk.TotalDuration/int64(time.Millisecond))
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read Ollama stream: %w", err)
	}
	return nil
}

// parseStreamChunk decodes a single NDJSON line of a streaming chat response.
func parseStreamChunk(line []byte) (*ollamaStreamChunk, error) {
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
	}
	return &chunk, nil
}
