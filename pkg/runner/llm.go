package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/poc-agent/poc-agent/pkg/config"
)

const (
	maxRetries    = 3
	maxTokens     = 8192
	rateLimitWait = 5 * time.Second
)

const systemPrompt = `You are an autonomous coding agent running inside a Docker container.
Your workspace is mounted at /workspace and you have full access to the codebase.

You can use the following tools:
- Bash: Run shell commands (tests, git, package management, etc.)
- Read: Read file contents with line numbers
- Write: Create or overwrite files
- Edit: Make targeted edits (find and replace exact strings)
- Glob: Find files matching glob patterns
- Grep: Search file contents with regular expressions

Work methodically:
1. Understand the task by reading relevant files
2. Plan your approach
3. Implement changes
4. Verify your work (run tests, check output)
5. Report what you did

Be concise in your responses. Focus on completing the task efficiently.`

// TokenUsage accumulates token accounting across API calls.
type TokenUsage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Model drives one conversation turn. The session depends on this interface
// so tests can script responses without the SDK.
type Model interface {
	NextTurn(ctx context.Context, conv *Conversation, tools []ToolSchema) (*Turn, error)
	Usage() TokenUsage
}

// ClaudeClient is the Messages API wrapper with transient-error retry.
type ClaudeClient struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
	usage  TokenUsage
	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewClaudeClient builds a client for the given model identifier. baseURL is
// optional and supports proxy deployments.
func NewClaudeClient(apiKey, baseURL, model string) *ClaudeClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = config.DefaultModel
	}
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: slog.Default().With("component", "claude-client", "model", model),
		sleep:  time.Sleep,
	}
}

// Usage returns the cumulative token usage.
func (c *ClaudeClient) Usage() TokenUsage { return c.usage }

// NextTurn sends the conversation and decodes the next assistant turn.
// Rate limits honor the retry-after header; 5xx and connection errors back
// off exponentially. Other API errors surface immediately.
func (c *ClaudeClient) NextTurn(ctx context.Context, conv *Conversation, tools []ToolSchema) (*Turn, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  encodeMessages(conv),
		Tools:     encodeTools(tools),
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			c.addUsage(message)
			return decodeTurn(message), nil
		}

		var apierr *anthropic.Error
		switch {
		case errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(apierr)
			c.logger.Warn("Rate limited", "attempt", attempt, "wait", wait)
			lastErr = err
			c.sleep(wait)
		case errors.As(err, &apierr) && apierr.StatusCode >= 500:
			wait := time.Duration(1<<attempt) * time.Second
			c.logger.Warn("Server error", "status", apierr.StatusCode, "attempt", attempt, "wait", wait)
			lastErr = err
			c.sleep(wait)
		case errors.As(err, &apierr):
			return nil, fmt.Errorf("messages API: %w", err)
		default:
			// Connection-level failure.
			wait := time.Duration(1<<attempt) * time.Second
			c.logger.Warn("Connection error", "attempt", attempt, "wait", wait, "error", err)
			lastErr = err
			c.sleep(wait)
		}
	}
	return nil, fmt.Errorf("messages API after %d attempts: %w", maxRetries, lastErr)
}

func (c *ClaudeClient) addUsage(message *anthropic.Message) {
	c.usage.InputTokens += int(message.Usage.InputTokens)
	c.usage.OutputTokens += int(message.Usage.OutputTokens)
	c.usage.CacheCreationInputTokens += int(message.Usage.CacheCreationInputTokens)
	c.usage.CacheReadInputTokens += int(message.Usage.CacheReadInputTokens)
}

func encodeMessages(conv *Conversation) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			case "tool_use":
				blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
			case "tool_result":
				blocks = append(blocks, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, false))
			}
		}
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func encodeTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		u := anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{ExtraFields: tool.InputSchema},
			tool.Name,
		)
		if u.OfTool != nil {
			u.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, u)
	}
	return out
}

func decodeTurn(message *anthropic.Message) *Turn {
	turn := &Turn{StopReason: string(message.StopReason)}
	var texts []string
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "thinking":
			turn.Thinking = block.Thinking
		case "tool_use":
			input := map[string]any{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			turn.ToolUses = append(turn.ToolUses, ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	if len(texts) > 0 {
		turn.Text = texts[0]
		for _, t := range texts[1:] {
			turn.Text += "\n" + t
		}
	}
	return turn
}

// retryAfter extracts the server-suggested wait from a 429 response.
func retryAfter(apierr *anthropic.Error) time.Duration {
	if apierr.Response != nil {
		if val := apierr.Response.Header.Get("retry-after"); val != "" {
			if secs, err := strconv.ParseFloat(val, 64); err == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}
	return rateLimitWait
}
