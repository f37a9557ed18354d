// Package llm implements the LLM-backed pipeline contracts on the Anthropic
// SDK: intent classification, assistance, reasoning, and SQL
// generation/correction.
package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

// Client wraps the Anthropic SDK with the two call shapes the pipelines
// need: one-shot completion and token streaming.
type Client struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// NewClient creates a client for Anthropic Claude or a compatible provider
// behind a custom base URL.
func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = "claude-sonnet-4-6"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 4096,
	}
}

func (c *Client) params(system, user string) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(c.model)),
		MaxTokens: anthropic.F(int64(c.maxTokens)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		}),
	}
	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(system),
		})
	}
	return params
}

// Complete performs a single non-streaming call and returns the
// concatenated text content.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Messages.New(ctx, c.params(system, user))
	if err != nil {
		return "", fmt.Errorf("LLM call failed: %w", err)
	}
	var text string
	for _, block := range resp.Content {
		if b, ok := block.AsUnion().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}
	return text, nil
}

// Stream performs a streaming call and returns a channel of text deltas,
// closed when the model stops. Stream errors are logged and truncate the
// stream; the partial text already delivered stands.
func (c *Client) Stream(ctx context.Context, system, user string) (<-chan string, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(system, user))

	out := make(chan string)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsUnion().(anthropic.ContentBlockDeltaEvent); ok {
				if delta.Delta.Text == "" {
					continue
				}
				select {
				case out <- delta.Delta.Text:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			log.Warn().Err(err).Msg("LLM stream truncated")
		}
	}()
	return out, nil
}
