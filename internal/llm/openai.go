package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cart-inception/Yohan-Interface/internal/domain"
)

// OpenAIBackend calls an OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	client *openai.Client
	ready  bool
	logger *slog.Logger
}

// NewOpenAIBackend creates a chat completions backend. A non-empty baseURL
// targets a compatible server instead of api.openai.com. Each request is
// bounded by timeout.
func NewOpenAIBackend(apiKey, baseURL string, timeout time.Duration, logger *slog.Logger) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		ready:  apiKey != "" || baseURL != "",
		logger: logger,
	}
}

// Complete implements Backend.
func (o *OpenAIBackend) Complete(ctx context.Context, c Completion) (*Result, error) {
	if !o.ready {
		return nil, &Error{Kind: KindClient, Message: "OPENAI_API_KEY is not set", Err: ErrNotConfigured}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(c.Messages)+1)
	if c.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.System})
	}
	for _, t := range c.Messages {
		role := openai.ChatMessageRoleUser
		if t.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	o.logger.Debug("Sending request to OpenAI", "model", c.Model, "messages", len(messages))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.Model,
		Messages:    messages,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &Error{Kind: KindUnknown, Message: "response carried no choices"}
	}

	model := resp.Model
	if model == "" {
		model = c.Model
	}
	return &Result{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Model:        model,
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: kindForStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		// Transport failures from the SDK surface as plain wrapped errors.
		kind = KindConnection
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}
