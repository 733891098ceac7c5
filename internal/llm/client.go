// Package llm abstracts the text-completion backend. The core treats the
// model as an opaque completion service with a declared context budget; the
// default implementation targets any OpenAI-compatible endpoint (a local
// llama.cpp or vLLM server in production).
package llm

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// Client is an opaque completion service.
type Client interface {
	// Complete returns the model's answer for the prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// MaxContextTokens is the prompt budget the composer must respect.
	MaxContextTokens() int

	// Close releases resources.
	Close() error
}

// Config configures the OpenAI-compatible client.
type Config struct {
	Endpoint          string
	Model             string
	APIKey            string
	MaxContextTokens  int
	MaxResponseTokens int
	Timeout           time.Duration
}

// OpenAIClient talks to an OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAIClient creates the client. The API key may be a placeholder for
// local servers that do not check it.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 2000
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = 1200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "local"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}
}

// Complete performs a single chat completion call with the configured
// timeout. Timeouts and transport failures surface as retryable ModelErrors.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.cfg.MaxResponseTokens,
		Temperature: 0.1,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", dferrors.New(dferrors.ErrCodeModelTimeout, "completion timed out", err)
		}
		return "", dferrors.ModelError("completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", dferrors.ModelError("completion returned no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// MaxContextTokens returns the prompt budget.
func (c *OpenAIClient) MaxContextTokens() int {
	return c.cfg.MaxContextTokens
}

// Close releases resources.
func (c *OpenAIClient) Close() error { return nil }

// Verify interface implementation.
var _ Client = (*OpenAIClient)(nil)
