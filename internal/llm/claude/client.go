// Package claude implements the severity reasoning boundary against
// the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/llm"
)

// Low temperature keeps severity scoring consistent across runs.
const scoringTemperature = 0.1

// Client calls the Claude API for single-shot structured completions.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a new Claude client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete sends one system+user prompt pair and returns the text of
// the response. Rate-limit and overload responses are reported as
// llm.ErrThrottled so the caller's retry loop can distinguish them
// from terminal failures.
func (c *Client) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(scoringTemperature),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if isThrottle(err) {
			return "", fmt.Errorf("claude: %w: %w", llm.ErrThrottled, err)
		}
		return "", fmt.Errorf("claude: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("claude: response carried no text content")
}

// isThrottle reports whether the API error is a rate limit (429) or
// overloaded (529) response.
func isThrottle(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == 529
}
