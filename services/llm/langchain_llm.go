package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/Leo-Zh9/chatbot/pkg/validation"
	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
)

// LangchainClient streams chat completions through the langchaingo OpenAI
// adapter. It is the backend of choice for OpenAI-compatible gateways
// (LiteLLM, vLLM, LM Studio) that need a base URL override.
type LangchainClient struct {
	llm   *lcopenai.LLM
	model string
}

func NewLangchainClient() (*LangchainClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	if err := validation.ValidateModel(model); err != nil {
		return nil, fmt.Errorf("invalid OPENAI_MODEL: %w", err)
	}

	opts := []lcopenai.Option{
		lcopenai.WithToken(apiKey),
		lcopenai.WithModel(model),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
		slog.Info("Using OpenAI-compatible gateway", "base_url", baseURL)
	}

	client, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize langchain OpenAI client: %w", err)
	}

	slog.Info("Initializing LangChain client", "model", model)
	return &LangchainClient{
		llm:   client,
		model: model,
	}, nil
}

// ChatStream implements the LLMClient interface
func (l *LangchainClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	slog.Debug("Streaming chat via LangChain", "model", l.model)

	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, llms.TextParts(langchainMessageType(msg.Role), msg.Content))
	}

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return callback(StreamEvent{Type: StreamEventToken, Content: string(chunk)})
		}),
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}

	if _, err := l.llm.GenerateContent(ctx, content, opts...); err != nil {
		return fmt.Errorf("langchain generation failed: %w", err)
	}
	return nil
}

// langchainMessageType maps our role strings onto langchaingo message types.
func langchainMessageType(role string) schema.ChatMessageType {
	switch role {
	case datatypes.RoleAssistant:
		return schema.ChatMessageTypeAI
	case datatypes.RoleSystem:
		return schema.ChatMessageTypeSystem
	default:
		return schema.ChatMessageTypeHuman
	}
}
