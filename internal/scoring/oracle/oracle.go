// Package oracle wraps an OpenAI-compatible chat endpoint used for message
// scoring and topic labeling. Local model servers (Ollama and friends) speak
// this API, so no dedicated SDK is needed.
package oracle

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Config carries the endpoint settings.
type Config struct {
	BaseURL string // e.g. http://localhost:11434/v1
	APIKey  string // many local servers accept any non-empty value
	Model   string
}

// Client calls the chat completion endpoint with deterministic settings.
type Client struct {
	client *openai.Client
	model  string
}

// New creates a client against an OpenAI-compatible endpoint.
func New(cfg Config) *Client {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}

	config := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}
}

// Complete sends one system+user exchange and returns the raw response text.
// The caller bounds the call with its own context timeout.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}
