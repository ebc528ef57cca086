package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Block is one content block in a conversation message. The Type field
// selects which of the remaining fields are meaningful.
type Block struct {
	Type      string         `json:"type"` // text | tool_use | tool_result
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role    string  `json:"role"` // user | assistant
	Content []Block `json:"content"`
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the outcome of one tool invocation, fed back to the model.
type ToolResult struct {
	ToolUseID string
	Content   string
}

// Turn is a decoded model response: the assistant text, any internal
// reasoning, the requested tool calls and the stop reason.
type Turn struct {
	Text       string
	Thinking   string
	ToolUses   []ToolUse
	StopReason string
}

// Conversation is the ordered message history of one session.
type Conversation struct {
	Messages []Message `json:"messages"`
}

// AddUser appends a plain user message.
func (c *Conversation) AddUser(text string) {
	c.Messages = append(c.Messages, Message{
		Role:    "user",
		Content: []Block{{Type: "text", Text: text}},
	})
}

// AddAssistant appends the assistant turn: its text followed by tool-use
// blocks, mirroring the wire layout the API expects back.
func (c *Conversation) AddAssistant(turn *Turn) {
	var blocks []Block
	if turn.Text != "" {
		blocks = append(blocks, Block{Type: "text", Text: turn.Text})
	}
	for _, tu := range turn.ToolUses {
		blocks = append(blocks, Block{Type: "tool_use", ID: tu.ID, Name: tu.Name, Input: tu.Input})
	}
	if len(blocks) == 0 {
		blocks = []Block{{Type: "text", Text: ""}}
	}
	c.Messages = append(c.Messages, Message{Role: "assistant", Content: blocks})
}

// AddToolResults appends tool results as a single user message, one
// tool_result block per call, in call order.
func (c *Conversation) AddToolResults(results []ToolResult) {
	blocks := make([]Block, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, Block{Type: "tool_result", ToolUseID: r.ToolUseID, Content: r.Content})
	}
	c.Messages = append(c.Messages, Message{Role: "user", Content: blocks})
}

// Persist writes the conversation JSON for post-mortem inspection.
func (c *Conversation) Persist(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating conversation dir: %w", err)
	}
	data, err := json.MarshalIndent(c.Messages, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing conversation: %w", err)
	}
	return nil
}
