package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/poc-agent/poc-agent/pkg/events"
)

// Session statuses, reported through the status endpoint.
const (
	StatusPending         = "pending"
	StatusRunning         = "running"
	StatusWaitingApproval = "waiting_approval"
	StatusWaitingInput    = "waiting_input"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

// PendingApproval is the tool call a session is parked on.
type PendingApproval struct {
	ToolUseID string
	ToolName  string
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	JobID           string
	Status          string
	Iteration       int
	MaxTurns        int
	Model           string
	ResultText      string
	PendingApproval *PendingApproval
}

// SessionConfig carries everything needed to start a session.
type SessionConfig struct {
	JobID           string
	Goal            string
	Model           string
	MaxTurns        int
	ApprovalTimeout time.Duration
	CallbackURL     string
	JobsRoot        string
	// Dangerous tools require approval before each session's first use.
	Dangerous map[string]bool
}

// Session drives one LLM conversation on its own goroutine. The HTTP
// handlers talk to it through Approve/Deny/AddMessage/Cancel/End; the loop
// and those methods rendezvous over channels.
type Session struct {
	cfg       SessionConfig
	model     Model
	toolbox   *Toolbox
	publisher *events.Publisher
	logger    *slog.Logger

	// ctx cancels in-flight LLM calls when the session is cancelled/ended.
	ctx       context.Context
	ctxCancel context.CancelFunc

	mu            sync.Mutex
	status        string
	iteration     int
	resultText    string
	pending       *PendingApproval
	approvedTools map[string]bool
	messages      []string

	approvalCh chan bool     // rendezvous: decision delivered to the parked loop
	msgSignal  chan struct{} // wakes the waiting_input block
	stopCh     chan struct{} // closed once on cancel or end
	stopOnce   sync.Once
	cancelled  bool
	ended      bool
}

// NewSession builds a session ready to Start.
func NewSession(cfg SessionConfig, model Model, toolbox *Toolbox) *Session {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 200
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 600 * time.Second
	}
	if cfg.Dangerous == nil {
		cfg.Dangerous = DangerousTools()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:           cfg,
		model:         model,
		toolbox:       toolbox,
		publisher:     events.NewPublisher(cfg.CallbackURL, cfg.JobID, cfg.JobsRoot),
		logger:        slog.Default().With("component", "agent-session", "job_id", cfg.JobID),
		ctx:           ctx,
		ctxCancel:     cancel,
		status:        StatusPending,
		approvedTools: map[string]bool{},
		approvalCh:    make(chan bool, 1),
		msgSignal:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the agent loop on its own goroutine.
func (s *Session) Start() {
	s.setStatus(StatusRunning)
	go s.run()
}

// Status returns a point-in-time snapshot.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		JobID:      s.cfg.JobID,
		Status:     s.status,
		Iteration:  s.iteration,
		MaxTurns:   s.cfg.MaxTurns,
		Model:      s.cfg.Model,
		ResultText: events.Truncate(s.resultText, events.MaxMessageText),
	}
	if s.pending != nil {
		p := *s.pending
		snap.PendingApproval = &p
	}
	return snap
}

// Active reports whether the session occupies its job slot: a new start for
// the same job is rejected only while this is true.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	}
	return true
}

// Approve resolves the pending approval positively. Returns false when no
// pending call matches toolUseID. With autoApproveTool the tool joins the
// approved set before the loop wakes, so the wake-up sees the updated set.
func (s *Session) Approve(toolUseID string, autoApproveTool bool) bool {
	s.mu.Lock()
	if s.pending == nil || s.pending.ToolUseID != toolUseID {
		s.mu.Unlock()
		return false
	}
	if autoApproveTool {
		s.approvedTools[s.pending.ToolName] = true
	}
	s.mu.Unlock()

	select {
	case s.approvalCh <- true:
	default:
	}
	return true
}

// Deny resolves the pending approval negatively.
func (s *Session) Deny(toolUseID string) bool {
	s.mu.Lock()
	if s.pending == nil || s.pending.ToolUseID != toolUseID {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.approvalCh <- false:
	default:
	}
	return true
}

// AddMessage queues a follow-up message and wakes a waiting session.
func (s *Session) AddMessage(text string) {
	s.mu.Lock()
	s.messages = append(s.messages, text)
	s.mu.Unlock()

	select {
	case s.msgSignal <- struct{}{}:
	default:
	}
}

// Cancel requests cooperative cancellation. Any parked wait unblocks; the
// loop exits at its next check.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.stop()
}

// End requests a graceful end of the persistent session.
func (s *Session) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.ctxCancel()
	})
}

// run is the agent loop.
func (s *Session) run() {
	defer s.ctxCancel()

	conv := &Conversation{}
	conv.AddUser(s.cfg.Goal)
	s.publisher.Post(events.TypeProgress, map[string]any{"message": "Agent started", "iteration": 0})

	schemas := s.toolbox.Schemas()

	for s.currentIteration() < s.cfg.MaxTurns {
		if s.finishIfStopped() {
			return
		}

		iteration := s.bumpIteration()
		s.publisher.Post(events.TypeThinking, map[string]any{"iteration": iteration})

		turnStart := time.Now()
		turn, err := s.model.NextTurn(s.ctx, conv, schemas)
		if err != nil {
			if s.finishIfStopped() {
				return
			}
			s.fail(fmt.Sprintf("LLM request failed: %v", err))
			return
		}
		conv.AddAssistant(turn)

		if turn.Thinking != "" {
			s.publisher.Post(events.TypeThinking, map[string]any{
				"iteration": iteration,
				"snippet":   events.Truncate(turn.Thinking, events.MaxResultPreview),
			})
		}

		// End of turn with no tool calls completes one exchange of the
		// persistent session.
		if len(turn.ToolUses) == 0 {
			s.setResult(turn.Text)
			s.publisher.Post(events.TypeAssistantResponse, map[string]any{
				"message":        events.Truncate(turn.Text, events.MaxMessageText),
				"num_turns":      iteration,
				"duration_ms":    time.Since(turnStart).Milliseconds(),
				"total_cost_usd": 0.0,
			})
			s.persistConversation(conv)

			next, ok := s.popMessage()
			if !ok {
				next, ok = s.waitForInput()
				if !ok {
					s.finishIfStopped()
					return
				}
			}
			conv.AddUser(next)
			continue
		}

		// Running commentary that accompanies tool calls surfaces as
		// progress so the thread shows what the agent is about to do.
		if turn.Text != "" {
			s.publisher.Post(events.TypeProgress, map[string]any{
				"message":   events.Truncate(turn.Text, events.MaxMessageText),
				"iteration": iteration,
			})
		}

		// Dispatch tool calls in order.
		var results []ToolResult
		for _, toolUse := range turn.ToolUses {
			if s.finishIfStopped() {
				return
			}
			results = append(results, ToolResult{
				ToolUseID: s.effectiveToolUseID(toolUse, iteration),
				Content:   s.handleToolCall(toolUse, iteration),
			})
		}
		conv.AddToolResults(results)
		s.persistConversation(conv)

		if iteration%10 == 0 {
			usage := s.model.Usage()
			s.publisher.Post(events.TypeTokenUsage, map[string]any{
				"input_tokens":  usage.InputTokens,
				"output_tokens": usage.OutputTokens,
				"iteration":     iteration,
			})
		}
	}

	// Max iterations reached.
	message := fmt.Sprintf("Reached maximum iterations (%d)", s.cfg.MaxTurns)
	s.setResult(message)
	s.setStatus(StatusCompleted)
	usage := s.model.Usage()
	s.publisher.Post(events.TypeCompleted, map[string]any{
		"status":        events.StatusMaxIterations,
		"message":       message,
		"iterations":    s.currentIteration(),
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	})
	s.persistConversation(conv)
}

// handleToolCall gates dangerous tools behind approval and executes the
// call. Denials become the tool result text; no tool_result event is
// emitted for a denied call.
func (s *Session) handleToolCall(toolUse ToolUse, iteration int) string {
	toolUseID := s.effectiveToolUseID(toolUse, iteration)
	summary := events.SummarizeInput(toolUse.Name, toolUse.Input)

	s.publisher.Post(events.TypeToolCall, map[string]any{
		"tool_name":   toolUse.Name,
		"tool_input":  summary,
		"tool_use_id": toolUseID,
	})

	if s.needsApproval(toolUse.Name) {
		if denial := s.waitForApproval(toolUse.Name, toolUseID, summary); denial != "" {
			return denial
		}
	}

	result := s.toolbox.Execute(s.ctx, toolUse.Name, toolUse.Input)
	s.publisher.Post(events.TypeToolResult, map[string]any{
		"tool_name":      toolUse.Name,
		"tool_use_id":    toolUseID,
		"result_preview": events.Truncate(result, events.MaxResultPreview),
	})
	return result
}

func (s *Session) needsApproval(toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Dangerous[toolName] && !s.approvedTools[toolName]
}

// waitForApproval parks the loop until a decision, cancel/end or timeout.
// Returns the denial text, or "" when approved.
func (s *Session) waitForApproval(toolName, toolUseID, summary string) string {
	// Drain any stale decision from a previous rendezvous before the new
	// pending call becomes visible to the approval endpoints.
	select {
	case <-s.approvalCh:
	default:
	}

	s.mu.Lock()
	s.pending = &PendingApproval{ToolUseID: toolUseID, ToolName: toolName}
	s.status = StatusWaitingApproval
	s.mu.Unlock()

	s.publisher.Post(events.TypeApprovalNeeded, map[string]any{
		"tool_use_id": toolUseID,
		"tool_name":   toolName,
		"tool_input":  summary,
	})

	timeout := s.cfg.ApprovalTimeout
	select {
	case granted := <-s.approvalCh:
		s.clearPending()
		if !granted {
			return fmt.Sprintf("Tool call '%s' was denied by the user.", toolName)
		}
		// A single-shot approval covers only this call; Approve already
		// extended the approved set when auto-approval was requested.
		return ""
	case <-s.stopCh:
		s.clearPending()
		return "Agent cancelled by user"
	case <-time.After(timeout):
		s.publisher.Post(events.TypeApprovalTimeout, map[string]any{
			"tool_use_id": toolUseID,
			"tool_name":   toolName,
			"timeout":     int(timeout.Seconds()),
		})
		s.clearPending()
		return fmt.Sprintf("Tool call '%s' was denied automatically — approval timed out after %d seconds.",
			toolName, int(timeout.Seconds()))
	}
}

// waitForInput blocks until a follow-up message arrives or the session is
// cancelled/ended.
func (s *Session) waitForInput() (string, bool) {
	s.setStatus(StatusWaitingInput)
	s.publisher.Post(events.TypeWaitingInput, nil)

	for {
		select {
		case <-s.msgSignal:
			if msg, ok := s.popMessage(); ok {
				s.setStatus(StatusRunning)
				return msg, true
			}
		case <-s.stopCh:
			return "", false
		}
	}
}

// finishIfStopped emits the terminal event for a cancel/end request.
// Returns true when the loop must exit.
func (s *Session) finishIfStopped() bool {
	s.mu.Lock()
	cancelled, ended := s.cancelled, s.ended
	s.mu.Unlock()

	switch {
	case cancelled:
		s.setStatus(StatusCancelled)
		usage := s.model.Usage()
		s.publisher.Post(events.TypeCompleted, map[string]any{
			"status":        events.StatusCancelled,
			"message":       "Agent cancelled by user",
			"iterations":    s.currentIteration(),
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		})
		return true
	case ended:
		s.setStatus(StatusCompleted)
		s.publisher.Post(events.TypeSessionEnded, map[string]any{
			"message": "Session ended by user",
		})
		return true
	}
	return false
}

func (s *Session) fail(message string) {
	s.setResult(message)
	s.setStatus(StatusFailed)
	s.publisher.Post(events.TypeFailed, map[string]any{"error": message})
}

// effectiveToolUseID prefers the API-issued block ID and synthesizes a
// stable fallback when it is absent.
func (s *Session) effectiveToolUseID(toolUse ToolUse, iteration int) string {
	if toolUse.ID != "" {
		return toolUse.ID
	}
	return fmt.Sprintf("sdk-%s-%d-%s", s.cfg.JobID, iteration, toolUse.Name)
}

func (s *Session) persistConversation(conv *Conversation) {
	path := filepath.Join(s.cfg.JobsRoot, s.cfg.JobID, "conversation.json")
	if err := conv.Persist(path); err != nil {
		s.logger.Debug("Failed to persist conversation", "error", err)
	}
}

func (s *Session) popMessage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return "", false
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, true
}

func (s *Session) clearPending() {
	s.mu.Lock()
	s.pending = nil
	s.status = StatusRunning
	s.mu.Unlock()
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) setResult(text string) {
	s.mu.Lock()
	s.resultText = text
	s.mu.Unlock()
}

func (s *Session) currentIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

func (s *Session) bumpIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}
