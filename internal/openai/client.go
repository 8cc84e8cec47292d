// Package openai provides a unified client for OpenAI API access
// with support for both Azure OpenAI (primary) and OpenAI platform (fallback)
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"shiftdesk/internal/config"
)

// Client wraps OpenAI client with Azure OpenAI support and fallback capability
type Client struct {
	primary      *openai.Client
	fallback     *openai.Client
	gptModel     string
	providerName string
	logger       zerolog.Logger
}

// NewClient creates a new OpenAI client with Azure as primary and OpenAI as fallback
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	client := &Client{logger: logger}

	// Try Azure OpenAI first (primary)
	if cfg.UseAzureOpenAI() {
		azureConfig := openai.DefaultAzureConfig(cfg.AzureOpenAIKey, cfg.AzureOpenAIEndpoint)
		client.primary = openai.NewClientWithConfig(azureConfig)
		client.gptModel = cfg.AzureOpenAIGPTDeploy
		client.providerName = "Azure OpenAI"

		logger.Info().Str("endpoint", cfg.AzureOpenAIEndpoint).Msg("Primary provider: Azure OpenAI")
	}

	// Setup OpenAI as fallback (or primary if Azure not configured)
	if cfg.HasOpenAIFallback() {
		client.fallback = openai.NewClient(cfg.OpenAIKey)

		if client.primary == nil {
			// Use OpenAI as primary since Azure is not configured
			client.primary = client.fallback
			client.fallback = nil
			client.gptModel = string(openai.GPT4oMini)
			client.providerName = "OpenAI"

			logger.Info().Msg("Primary provider: OpenAI (Azure not configured)")
		} else {
			logger.Info().Msg("Fallback provider: OpenAI")
		}
	}

	if client.primary == nil {
		return nil, fmt.Errorf("no OpenAI provider configured: set AZURE_OPENAI_ENDPOINT + AZURE_OPENAI_KEY or OPENAI_API_KEY")
	}

	return client, nil
}

// TestConnection verifies the API connection works
func (c *Client) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "ping"},
	}
	if _, err := c.CreateChatCompletion(ctx, messages, 1, 0); err != nil {
		return fmt.Errorf("failed to connect to %s: %v", c.providerName, err)
	}

	c.logger.Info().Str("provider", c.providerName).Msg("Connection test successful")
	return nil
}

// CreateChatCompletion generates a chat completion
func (c *Client) CreateChatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (*openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.gptModel,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	resp, err := c.primary.CreateChatCompletion(ctx, req)
	if err != nil && c.fallback != nil {
		// Try fallback provider with OpenAI model name
		c.logger.Warn().Err(err).Msg("Primary chat failed, trying fallback")
		req.Model = string(openai.GPT4oMini)
		resp, err = c.fallback.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("both providers failed: %v", err)
		}
		c.logger.Info().Msg("Fallback chat succeeded")
	} else if err != nil {
		return nil, err
	}

	return &resp, nil
}

// GetProviderName returns the current primary provider name
func (c *Client) GetProviderName() string {
	return c.providerName
}
