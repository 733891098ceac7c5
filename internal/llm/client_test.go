package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewOpenAIClient_Defaults(t *testing.T) {
	c := NewOpenAIClient(Config{Model: "qwen2.5-7b-instruct"})

	assert.Equal(t, 2000, c.MaxContextTokens())
	assert.Equal(t, 1200, c.cfg.MaxResponseTokens)
	assert.Equal(t, 2*time.Minute, c.cfg.Timeout)
	assert.NoError(t, c.Close())
}

func TestNewOpenAIClient_Overrides(t *testing.T) {
	c := NewOpenAIClient(Config{
		Endpoint:          "http://127.0.0.1:8080/v1",
		Model:             "local-model",
		MaxContextTokens:  4000,
		MaxResponseTokens: 800,
		Timeout:           30 * time.Second,
	})

	assert.Equal(t, 4000, c.MaxContextTokens())
	assert.Equal(t, 30*time.Second, c.cfg.Timeout)
}
