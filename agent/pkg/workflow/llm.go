package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicLLMClient implements LLMClient on the Anthropic API.
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64

	// OnUsage, if set, receives token counts after each request (for metrics).
	OnUsage func(model string, inputTokens, outputTokens int)
}

// NewAnthropicLLMClient creates a client using ANTHROPIC_API_KEY from the environment.
func NewAnthropicLLMClient(model anthropic.Model, maxTokens int64) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends a prompt and returns the response text plus total token usage.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, int, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("anthropic request failed: %w", err)
	}

	inputTokens := int(resp.Usage.InputTokens)
	outputTokens := int(resp.Usage.OutputTokens)
	if c.OnUsage != nil {
		c.OnUsage(string(c.model), inputTokens, outputTokens)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), inputTokens + outputTokens, nil
}

// extractJSON strips markdown fences and surrounding prose from an LLM
// response so the JSON payload parses.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```json"); idx != -1 {
		text = text[idx+len("```json"):]
	} else if idx := strings.Index(text, "```"); idx != -1 {
		text = text[idx+3:]
	}
	if idx := strings.Index(text, "```"); idx != -1 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)

	// Fall back to the outermost braces when the model added prose.
	if !strings.HasPrefix(text, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start != -1 && end > start {
			text = text[start : end+1]
		}
	}
	return text
}

// LLMClassifier implements IntentClassifier on an LLM.
type LLMClassifier struct {
	llm LLMClient
}

// NewLLMClassifier creates the default intent classifier.
func NewLLMClassifier(llm LLMClient) *LLMClassifier {
	return &LLMClassifier{llm: llm}
}

func (c *LLMClassifier) ClassifyIntent(ctx context.Context, query string) (*IntentResult, error) {
	text, tokens, err := c.llm.Complete(ctx, classifySystemPrompt, query)
	if err != nil {
		return nil, fmt.Errorf("failed to classify intent: %w", err)
	}

	var result IntentResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse intent classification: %w", err)
	}
	result.TokensUsed = tokens
	return &result, nil
}

// LLMGenerator implements SQLGenerator on an LLM.
type LLMGenerator struct {
	llm LLMClient
}

// NewLLMGenerator creates the default SQL generator.
func NewLLMGenerator(llm LLMClient) *LLMGenerator {
	return &LLMGenerator{llm: llm}
}

func (g *LLMGenerator) GenerateSQL(ctx context.Context, query string, schema *Schema, intentContext string) (*GenerationResult, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Schema:\n%s\n", schema.Format())
	if intentContext != "" {
		fmt.Fprintf(&prompt, "Intent context: %s\n", intentContext)
	}
	fmt.Fprintf(&prompt, "\nUser question: %s", query)

	text, tokens, err := g.llm.Complete(ctx, generateSystemPrompt, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("failed to generate SQL: %w", err)
	}

	var result GenerationResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse SQL generation response: %w", err)
	}
	if strings.TrimSpace(result.SQL) == "" {
		return nil, fmt.Errorf("SQL generation returned an empty statement")
	}
	result.TokensUsed = tokens
	return &result, nil
}

// LLMAnalyzer implements Analyzer on an LLM.
type LLMAnalyzer struct {
	llm     LLMClient
	maxRows int // rows included in the analysis prompt
}

// NewLLMAnalyzer creates the default data analyzer.
func NewLLMAnalyzer(llm LLMClient) *LLMAnalyzer {
	return &LLMAnalyzer{llm: llm, maxRows: 50}
}

func (a *LLMAnalyzer) AnalyzeData(ctx context.Context, query string, result *QueryResult) (*Analysis, error) {
	rows := result.Rows
	truncated := false
	if len(rows) > a.maxRows {
		rows = rows[:a.maxRows]
		truncated = true
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rows for analysis: %w", err)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "User question: %s\n", query)
	fmt.Fprintf(&prompt, "SQL: %s\n", result.SQL)
	fmt.Fprintf(&prompt, "Row count: %d", result.Count)
	if truncated {
		fmt.Fprintf(&prompt, " (showing first %d)", a.maxRows)
	}
	fmt.Fprintf(&prompt, "\nRows:\n%s", rowsJSON)

	text, tokens, err := a.llm.Complete(ctx, analyzeSystemPrompt, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("failed to analyze results: %w", err)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(extractJSON(text)), &analysis); err != nil {
		return nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}
	analysis.TokensUsed = tokens
	return &analysis, nil
}
