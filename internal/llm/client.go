// Package llm produces assistant replies: history shaping, system prompt
// assembly, request rate limiting and retry over a pluggable provider backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/metrics"
)

// Turn is one prior message offered as conversation history.
type Turn struct {
	Role    domain.Role
	Content string
}

// Usage is token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Request asks for a reply to Message given History. Context is rendered
// situational data used only when History carries no system turns.
type Request struct {
	Message string
	History []Turn
	Context string
}

// Result is a generated reply.
type Result struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	Model        string `json:"model"`
	FinishReason string `json:"finishReason,omitempty"`
	Attempts     int    `json:"-"`
}

// Completion is a single provider call.
type Completion struct {
	System      string
	Messages    []Turn
	Model       string
	MaxTokens   int
	Temperature float32
}

// Backend performs one provider call. Errors should be *Error so retries can
// tell transient failures from permanent ones.
type Backend interface {
	Complete(ctx context.Context, c Completion) (*Result, error)
}

// Config tunes a Client.
type Config struct {
	Model             string
	MaxTokens         int
	Temperature       float32
	RequestsPerMinute int
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	HistoryTurns      int
	SystemPrompt      string
}

// Client generates replies through a Backend.
type Client struct {
	backend Backend
	limiter *WindowLimiter
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates a generation client.
func NewClient(backend Backend, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 50
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 10
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		limiter: NewWindowLimiter(cfg.RequestsPerMinute, time.Minute),
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
		metrics: m,
		logger:  logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Generate produces a reply, retrying rate-limited and connection failures
// with exponential backoff.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	start := c.now()
	defer func() { c.metrics.ObserveLLM(c.now().Sub(start)) }()

	system, dialogue := shapeHistory(req.History, c.cfg.HistoryTurns)
	messages := make([]Turn, 0, len(dialogue)+1)
	messages = append(messages, dialogue...)
	messages = append(messages, Turn{Role: domain.RoleUser, Content: req.Message})

	completion := Completion{
		System:      buildSystemPrompt(c.cfg.SystemPrompt, c.now(), system, req.Context),
		Messages:    messages,
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindConnection, Message: "rate limiter wait aborted", Err: err}
		}

		attempts++
		res, err := c.backend.Complete(ctx, completion)
		if err == nil {
			res.Attempts = attempts
			c.metrics.LLMAttempt("success")
			c.logger.Debug("Generation succeeded",
				"model", res.Model,
				"attempts", attempts,
				"total_tokens", res.Usage.TotalTokens)
			return res, nil
		}

		lastErr = err
		kind := KindOf(err)
		c.metrics.LLMAttempt(string(kind))
		c.logger.Warn("Generation attempt failed", "attempt", attempts, "kind", kind, "error", err)
		if !kind.Retryable() || attempt == c.cfg.RetryAttempts-1 {
			break
		}

		delay := c.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &Error{Kind: kind, Message: "retry aborted", Err: errors.Join(lastErr, err)}
		}
	}

	le := &Error{
		Kind:    KindOf(lastErr),
		Message: fmt.Sprintf("generation failed after %d attempt(s): %v", attempts, lastErr),
		Err:     lastErr,
	}
	var inner *Error
	if errors.As(lastErr, &inner) {
		le.StatusCode = inner.StatusCode
	}
	return nil, le
}
