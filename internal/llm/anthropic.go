package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"

	defaultRequestTimeout = 60 * time.Second
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicErrorEnvelope struct {
	Error anthropicError `json:"error"`
}

// AnthropicBackend calls the Anthropic Messages API over HTTP.
type AnthropicBackend struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	logger     *slog.Logger
}

// NewAnthropicBackend creates a Messages API backend. An empty baseURL uses the public endpoint.
func NewAnthropicBackend(apiKey, baseURL string, timeout time.Duration, logger *slog.Logger) *AnthropicBackend {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicBackend{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// Complete implements Backend.
func (a *AnthropicBackend) Complete(ctx context.Context, c Completion) (*Result, error) {
	if a.apiKey == "" {
		return nil, &Error{Kind: KindClient, Message: "ANTHROPIC_API_KEY is not set", Err: ErrNotConfigured}
	}

	payload := anthropicRequest{
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
	}
	temp := c.Temperature
	payload.Temperature = &temp
	if c.System != "" {
		payload.System = []systemBlock{{Type: "text", Text: c.System}}
	}
	for _, t := range c.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{Role: string(t.Role), Content: t.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "create request", Err: err}
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	a.logger.Debug("Sending request to Anthropic", "model", c.Model, "messages", len(payload.Messages))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Message: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		var env anthropicErrorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Message != "" {
			msg = env.Error.Type + ": " + env.Error.Message
		}
		return nil, &Error{Kind: kindForStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "parse response", Err: err}
	}
	if apiResp.Error != nil {
		return nil, &Error{Kind: KindUnknown, Message: apiResp.Error.Type + ": " + apiResp.Error.Message}
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &Error{Kind: KindUnknown, Message: "response carried no text content"}
	}

	model := apiResp.Model
	if model == "" {
		model = c.Model
	}
	return &Result{
		Content: text.String(),
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Model:        model,
		FinishReason: apiResp.StopReason,
	}, nil
}

// String identifies the backend in logs.
func (a *AnthropicBackend) String() string {
	return fmt.Sprintf("anthropic(%s)", a.baseURL)
}
