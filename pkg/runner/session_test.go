package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poc-agent/poc-agent/pkg/events"
)

// scriptedModel replays a fixed sequence of turns.
type scriptedModel struct {
	mu    sync.Mutex
	turns []*Turn
	err   error
	calls int
	usage TokenUsage
}

func (m *scriptedModel) NextTurn(_ context.Context, _ *Conversation, _ []ToolSchema) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.calls >= len(m.turns) {
		return nil, errors.New("script exhausted")
	}
	turn := m.turns[m.calls]
	m.calls++
	return turn, nil
}

func (m *scriptedModel) Usage() TokenUsage { return m.usage }

func textTurn(text string) *Turn {
	return &Turn{Text: text, StopReason: "end_turn"}
}

func toolTurn(id, name string, input map[string]any) *Turn {
	return &Turn{
		ToolUses:   []ToolUse{{ID: id, Name: name, Input: input}},
		StopReason: "tool_use",
	}
}

type sessionFixture struct {
	session   *Session
	model     *scriptedModel
	workspace string
	jobsRoot  string
}

func newSessionFixture(t *testing.T, model *scriptedModel, mutate func(*SessionConfig)) *sessionFixture {
	t.Helper()
	workspace := t.TempDir()
	jobsRoot := t.TempDir()
	cfg := SessionConfig{
		JobID:           "20260824-120000-abcd",
		Goal:            "do the thing",
		Model:           "claude-sonnet-4-5-20250929",
		MaxTurns:        50,
		ApprovalTimeout: 5 * time.Second,
		JobsRoot:        jobsRoot,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &sessionFixture{
		session:   NewSession(cfg, model, NewToolbox(workspace)),
		model:     model,
		workspace: workspace,
		jobsRoot:  jobsRoot,
	}
}

func (f *sessionFixture) events(t *testing.T) []events.Envelope {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.jobsRoot, f.session.cfg.JobID, "events.jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)

	var out []events.Envelope
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var env events.Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		out = append(out, env)
	}
	return out
}

func (f *sessionFixture) eventTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, env := range f.events(t) {
		types = append(types, env.EventType)
	}
	return types
}

func (f *sessionFixture) countEvents(t *testing.T, eventType string) int {
	t.Helper()
	n := 0
	for _, env := range f.events(t) {
		if env.EventType == eventType {
			n++
		}
	}
	return n
}

func (f *sessionFixture) waitForStatus(t *testing.T, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.session.Status().Status == status
	}, 3*time.Second, 5*time.Millisecond, "expected session status %s", status)
}

func (f *sessionFixture) conversation(t *testing.T) []Message {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.jobsRoot, f.session.cfg.JobID, "conversation.json"))
	require.NoError(t, err)
	var msgs []Message
	require.NoError(t, json.Unmarshal(data, &msgs))
	return msgs
}

func TestTextResponseParksWaitingForInput(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{textTurn("all done")}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	snap := f.session.Status()
	assert.Equal(t, "all done", snap.ResultText)
	assert.Equal(t, 1, snap.Iteration)

	types := f.eventTypes(t)
	assert.Contains(t, types, events.TypeProgress)
	assert.Contains(t, types, events.TypeThinking)
	assert.Contains(t, types, events.TypeAssistantResponse)
	assert.Contains(t, types, events.TypeWaitingInput)
}

func TestFollowUpMessageResumesSession(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		textTurn("first answer"),
		textTurn("second answer"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	f.session.AddMessage("one more thing")
	require.Eventually(t, func() bool {
		snap := f.session.Status()
		return snap.Status == StatusWaitingInput && snap.Iteration == 2
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, "second answer", f.session.Status().ResultText)

	msgs := f.conversation(t)
	var sawFollowUp bool
	for _, msg := range msgs {
		for _, block := range msg.Content {
			if msg.Role == "user" && block.Text == "one more thing" {
				sawFollowUp = true
			}
		}
	}
	assert.True(t, sawFollowUp, "follow-up message should join the conversation")
}

func TestQueuedMessageConsumedWithoutWaiting(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		textTurn("first"),
		textTurn("second"),
	}}, nil)
	f.session.AddMessage("already queued")
	f.session.Start()

	require.Eventually(t, func() bool {
		snap := f.session.Status()
		return snap.Status == StatusWaitingInput && snap.Iteration == 2
	}, 3*time.Second, 5*time.Millisecond)

	// The queued message bridged the two exchanges, so only the final
	// exchange parked the session.
	assert.Equal(t, 1, f.countEvents(t, events.TypeWaitingInput))
}

func TestSafeToolRunsWithoutApproval(t *testing.T) {
	f := newSessionFixture(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "notes.txt"), []byte("hello\n"), 0o644))
	f.model = &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Read", map[string]any{"file_path": "notes.txt"}),
		textTurn("read it"),
	}}
	f.session.model = f.model
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	assert.Zero(t, f.countEvents(t, events.TypeApprovalNeeded))
	assert.Equal(t, 1, f.countEvents(t, events.TypeToolCall))
	assert.Equal(t, 1, f.countEvents(t, events.TypeToolResult))
}

func TestDangerousToolWaitsForApproval(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Bash", map[string]any{"command": "echo approved-run"}),
		textTurn("done"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingApproval)

	snap := f.session.Status()
	require.NotNil(t, snap.PendingApproval)
	assert.Equal(t, "tu-1", snap.PendingApproval.ToolUseID)
	assert.Equal(t, "Bash", snap.PendingApproval.ToolName)

	require.True(t, f.session.Approve("tu-1", false))
	f.waitForStatus(t, StatusWaitingInput)

	assert.Equal(t, 1, f.countEvents(t, events.TypeToolResult))
	var resultContent string
	for _, msg := range f.conversation(t) {
		for _, block := range msg.Content {
			if block.Type == "tool_result" && block.ToolUseID == "tu-1" {
				resultContent = block.Content
			}
		}
	}
	assert.Contains(t, resultContent, "approved-run")
}

func TestDeniedToolFeedsDenialWithoutResultEvent(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Bash", map[string]any{"command": "rm -rf /"}),
		textTurn("understood"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingApproval)

	require.True(t, f.session.Deny("tu-1"))
	f.waitForStatus(t, StatusWaitingInput)

	assert.Zero(t, f.countEvents(t, events.TypeToolResult))

	var resultContent string
	for _, msg := range f.conversation(t) {
		for _, block := range msg.Content {
			if block.Type == "tool_result" && block.ToolUseID == "tu-1" {
				resultContent = block.Content
			}
		}
	}
	assert.Equal(t, "Tool call 'Bash' was denied by the user.", resultContent)
}

func TestApprovalDecisionForWrongCallRejected(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Bash", map[string]any{"command": "true"}),
		textTurn("done"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingApproval)

	assert.False(t, f.session.Approve("tu-other", false))
	assert.False(t, f.session.Deny("tu-other"))
	assert.Equal(t, StatusWaitingApproval, f.session.Status().Status)

	require.True(t, f.session.Approve("tu-1", false))
	f.waitForStatus(t, StatusWaitingInput)
}

func TestApprovalTimeoutDeniesAutomatically(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Bash", map[string]any{"command": "true"}),
		textTurn("ok"),
	}}, func(cfg *SessionConfig) {
		cfg.ApprovalTimeout = 50 * time.Millisecond
	})
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	assert.Equal(t, 1, f.countEvents(t, events.TypeApprovalTimeout))
	assert.Zero(t, f.countEvents(t, events.TypeToolResult))

	var resultContent string
	for _, msg := range f.conversation(t) {
		for _, block := range msg.Content {
			if block.Type == "tool_result" && block.ToolUseID == "tu-1" {
				resultContent = block.Content
			}
		}
	}
	assert.Contains(t, resultContent, "denied automatically")
	assert.Contains(t, resultContent, "timed out after 0 seconds")
}

func TestAutoApproveCoversLaterCalls(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Bash", map[string]any{"command": "echo one"}),
		toolTurn("tu-2", "Bash", map[string]any{"command": "echo two"}),
		textTurn("done"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingApproval)

	require.True(t, f.session.Approve("tu-1", true))
	f.waitForStatus(t, StatusWaitingInput)

	// Only the first Bash call needed a human.
	assert.Equal(t, 1, f.countEvents(t, events.TypeApprovalNeeded))
	assert.Equal(t, 2, f.countEvents(t, events.TypeToolResult))
}

func TestSingleApprovalCoversOnlyOneCall(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Bash", map[string]any{"command": "echo one"}),
		toolTurn("tu-2", "Bash", map[string]any{"command": "echo two"}),
		textTurn("done"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingApproval)
	require.True(t, f.session.Approve("tu-1", false))

	// The second Bash call must park again.
	require.Eventually(t, func() bool {
		snap := f.session.Status()
		return snap.Status == StatusWaitingApproval &&
			snap.PendingApproval != nil && snap.PendingApproval.ToolUseID == "tu-2"
	}, 3*time.Second, 5*time.Millisecond)
	require.True(t, f.session.Approve("tu-2", false))
	f.waitForStatus(t, StatusWaitingInput)

	assert.Equal(t, 2, f.countEvents(t, events.TypeApprovalNeeded))
}

func TestCancelDuringApproval(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Bash", map[string]any{"command": "true"}),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingApproval)

	f.session.Cancel()
	f.waitForStatus(t, StatusCancelled)

	var completed *events.Envelope
	for _, env := range f.events(t) {
		if env.EventType == events.TypeCompleted {
			e := env
			completed = &e
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, events.StatusCancelled, completed.Str("status"))
	assert.Equal(t, "Agent cancelled by user", completed.Str("message"))
	assert.False(t, f.session.Active())
}

func TestEndWhileWaitingForInput(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{textTurn("done")}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	f.session.End()
	f.waitForStatus(t, StatusCompleted)

	assert.Equal(t, 1, f.countEvents(t, events.TypeSessionEnded))
	assert.False(t, f.session.Active())
}

func TestMaxIterationsCompletes(t *testing.T) {
	f := newSessionFixture(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "a.txt"), []byte("x"), 0o644))
	f.model = &scriptedModel{turns: []*Turn{
		toolTurn("tu-1", "Read", map[string]any{"file_path": "a.txt"}),
		toolTurn("tu-2", "Read", map[string]any{"file_path": "a.txt"}),
	}}
	f.session.model = f.model
	f.session.cfg.MaxTurns = 2
	f.session.Start()
	f.waitForStatus(t, StatusCompleted)

	var completed *events.Envelope
	for _, env := range f.events(t) {
		if env.EventType == events.TypeCompleted {
			e := env
			completed = &e
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, events.StatusMaxIterations, completed.Str("status"))
	assert.Equal(t, "Reached maximum iterations (2)", completed.Str("message"))
	assert.Equal(t, 2, completed.Int("iterations"))
}

func TestModelErrorFailsSession(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{err: errors.New("connection refused")}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusFailed)

	var failed *events.Envelope
	for _, env := range f.events(t) {
		if env.EventType == events.TypeFailed {
			e := env
			failed = &e
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Str("error"), "connection refused")
	assert.False(t, f.session.Active())
}

func TestSynthesizedToolUseID(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		toolTurn("", "Glob", map[string]any{"pattern": "*.go"}),
		textTurn("done"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	var sawSynthetic bool
	for _, env := range f.events(t) {
		if env.EventType == events.TypeToolCall {
			sawSynthetic = env.Str("tool_use_id") == "sdk-20260824-120000-abcd-1-Glob"
		}
	}
	assert.True(t, sawSynthetic)
}

func TestTokenUsageEveryTenIterations(t *testing.T) {
	f := newSessionFixture(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "a.txt"), []byte("x"), 0o644))
	turns := make([]*Turn, 0, 11)
	for i := 0; i < 10; i++ {
		turns = append(turns, toolTurn("", "Read", map[string]any{"file_path": "a.txt"}))
	}
	turns = append(turns, textTurn("done"))
	f.model = &scriptedModel{turns: turns, usage: TokenUsage{InputTokens: 1234, OutputTokens: 567}}
	f.session.model = f.model
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	var usageEvents []events.Envelope
	for _, env := range f.events(t) {
		if env.EventType == events.TypeTokenUsage {
			usageEvents = append(usageEvents, env)
		}
	}
	require.Len(t, usageEvents, 1)
	assert.Equal(t, 1234, usageEvents[0].Int("input_tokens"))
	assert.Equal(t, 567, usageEvents[0].Int("output_tokens"))
	assert.Equal(t, 10, usageEvents[0].Int("iteration"))
}

func TestToolTurnCommentaryReportedAsProgress(t *testing.T) {
	f := newSessionFixture(t, &scriptedModel{turns: []*Turn{
		{
			Text:       "Let me inspect the file first.",
			ToolUses:   []ToolUse{{ID: "tu-1", Name: "Glob", Input: map[string]any{"pattern": "*.go"}}},
			StopReason: "tool_use",
		},
		textTurn("done"),
	}}, nil)
	f.session.Start()
	f.waitForStatus(t, StatusWaitingInput)

	var saw bool
	for _, env := range f.events(t) {
		if env.EventType == events.TypeProgress && env.Str("message") == "Let me inspect the file first." {
			saw = true
			assert.Equal(t, 1, env.Int("iteration"))
		}
	}
	assert.True(t, saw, "commentary from a tool-use turn should surface as progress")
}
