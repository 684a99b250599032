package handlers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"

	"github.com/xentoshi/insight/api/metrics"
)

// AnthropicClient implements workflow.LLMClient on the Anthropic API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a client using ANTHROPIC_API_KEY from the
// environment. ANTHROPIC_MODEL overrides the default model.
func NewAnthropicClient() *AnthropicClient {
	model := anthropic.ModelClaudeHaiku4_5
	if m := os.Getenv("ANTHROPIC_MODEL"); m != "" {
		model = anthropic.Model(m)
	}
	return &AnthropicClient{
		client: anthropic.NewClient(),
		model:  model,
	}
}

// Complete sends one prompt and returns the response text plus total token
// usage.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, int, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.request.max_tokens", 2048)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	duration := time.Since(start)
	metrics.RecordAnthropicRequest("messages", duration, err)

	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", 0, fmt.Errorf("anthropic request failed: %w", err)
	}

	metrics.RecordAnthropicTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	tokens := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, tokens, nil
		}
	}

	return "", tokens, nil
}
