package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Completer asks a chat model for a single JSON object and decodes it into
// out.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

// LLMConfig configures an OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAICompleter implements Completer over any OpenAI-compatible API, such
// as Groq.
type OpenAICompleter struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAICompleter creates a completer for cfg.
func NewOpenAICompleter(cfg LLMConfig, logger *slog.Logger) *OpenAICompleter {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAICompleter{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger.With(slog.String("component", "llm")),
	}
}

// CompleteJSON implements Completer. The model runs at temperature zero in
// JSON mode.
func (c *OpenAICompleter) CompleteJSON(ctx context.Context, system, user string, out any) error {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("analysis: chat completion: %w: %w", domain.ErrAnalysisUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("analysis: chat completion returned no choices: %w", domain.ErrAnalysisUnavailable)
	}

	c.logger.DebugContext(ctx, "chat completion",
		slog.String("model", c.model),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)
	return decodeModelJSON(resp.Choices[0].Message.Content, out)
}

// decodeModelJSON decodes a model reply, tolerating a surrounding markdown
// code fence.
func decodeModelJSON(content string, out any) error {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("analysis: malformed model output: %w: %w", domain.ErrAnalysisUnavailable, err)
	}
	return nil
}

// checkConfidence rejects values outside [0,1] rather than clamping them.
func checkConfidence(stage string, c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("analysis: %s confidence %v outside [0,1]: %w", stage, c, domain.ErrAnalysisUnavailable)
	}
	return nil
}
