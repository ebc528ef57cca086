// Package progress maps runner events onto a chat thread. Each job owns one
// thread; the reporter edits a rolling status message instead of spamming,
// posts discrete messages for tool calls and approvals, and appends result
// previews to the originating tool-call message.
package progress

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/poc-agent/poc-agent/pkg/events"
)

// statusThrottle caps rolling-status edits to one per interval.
const statusThrottle = 3 * time.Second

// ChatClient is the slice of the chat API the reporter needs.
type ChatClient interface {
	PostThreadMessage(channelID, threadTS, text string) (string, error)
	PostBlocks(channelID, threadTS, fallback string, blocks []slack.Block) (string, error)
	UpdateMessage(channelID, messageTS, text string) error
}

// jobThread is the reporter's per-job bookkeeping.
type jobThread struct {
	channelID  string
	threadTS   string
	statusTS   string
	lastStatus time.Time
	approvalTS string            // ts of the latest approval prompt
	toolCallTS map[string]string // tool_use_id → message ts
	toolInput  map[string]string // tool_use_id → input summary
}

// Reporter receives runner events and renders them into job threads.
type Reporter struct {
	client ChatClient
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobThread
}

// NewReporter creates a reporter backed by the given chat client.
func NewReporter(client ChatClient) *Reporter {
	return &Reporter{
		client: client,
		logger: slog.Default().With("component", "progress-reporter"),
		now:    time.Now,
		jobs:   map[string]*jobThread{},
	}
}

// RegisterJob binds a job to its chat thread. Events for unregistered jobs
// are dropped.
func (r *Reporter) RegisterJob(jobID, channelID, threadTS string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = &jobThread{
		channelID:  channelID,
		threadTS:   threadTS,
		toolCallTS: map[string]string{},
		toolInput:  map[string]string{},
	}
}

// Thread returns the chat coordinates registered for a job.
func (r *Reporter) Thread(jobID string) (channelID, threadTS string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, found := r.jobs[jobID]
	if !found {
		return "", "", false
	}
	return job.channelID, job.threadTS, true
}

// PromptTS returns the ts of the latest approval prompt posted for a job, so
// a decision arriving as a typed reply can edit the prompt in place.
func (r *Reporter) PromptTS(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.approvalTS == "" {
		return "", false
	}
	return job.approvalTS, true
}

// HandleEvent dispatches one runner event. The lock is held across the
// rendering so at-least-once re-deliveries for the same job never interleave
// their per-thread bookkeeping.
func (r *Reporter) HandleEvent(env events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[env.JobID]
	if !ok {
		r.logger.Debug("Event for unknown job", "job_id", env.JobID, "event_type", env.EventType)
		return
	}

	switch env.EventType {
	case events.TypeThinking:
		r.onThinking(job, env)
	case events.TypeProgress:
		r.onProgress(job, env)
	case events.TypeToolCall:
		r.onToolCall(job, env)
	case events.TypeToolResult:
		r.onToolResult(job, env)
	case events.TypeApprovalNeeded:
		r.onApprovalNeeded(job, env)
	case events.TypeApprovalTimeout:
		r.onApprovalTimeout(job, env)
	case events.TypeAssistantResponse:
		r.onAssistantResponse(job, env)
	case events.TypeWaitingInput:
		r.onWaitingInput(job)
	case events.TypeCompleted:
		r.onCompleted(job, env)
	case events.TypeFailed:
		r.onFailed(job, env)
	case events.TypeSessionEnded:
		r.onSessionEnded(job, env)
	case events.TypeTokenUsage:
		// Tracked on the job record, nothing to render.
	default:
		r.logger.Debug("Unhandled event type", "event_type", env.EventType)
	}
}

func (r *Reporter) onThinking(job *jobThread, env events.Envelope) {
	now := r.now()
	if now.Sub(job.lastStatus) < statusThrottle {
		return
	}
	r.updateStatus(job, fmt.Sprintf(":thought_balloon: Agent is thinking... (iteration %d)", env.Int("iteration")))
	job.lastStatus = now
}

func (r *Reporter) onProgress(job *jobThread, env events.Envelope) {
	text := ":information_source: " + env.Str("message")
	if iter := env.Int("iteration"); iter > 0 {
		text += fmt.Sprintf(" (iteration %d)", iter)
	}
	r.updateStatus(job, text)
}

func (r *Reporter) onToolCall(job *jobThread, env events.Envelope) {
	toolName := env.Str("tool_name")
	toolInput := events.Truncate(env.Str("tool_input"), events.MaxToolInputSummary)
	toolUseID := env.Str("tool_use_id")

	ts, err := r.client.PostThreadMessage(job.channelID, job.threadTS,
		fmt.Sprintf(":gear: `%s`: `%s`", toolName, toolInput))
	if err != nil {
		r.logger.Warn("Failed to post tool call", "error", err)
		return
	}
	if toolUseID != "" {
		job.toolCallTS[toolUseID] = ts
		job.toolInput[toolUseID] = toolInput
	}
}

func (r *Reporter) onToolResult(job *jobThread, env events.Envelope) {
	toolUseID := env.Str("tool_use_id")
	preview := env.Str("result_preview")

	ts, ok := job.toolCallTS[toolUseID]
	if !ok || preview == "" {
		return
	}
	short := strings.ReplaceAll(events.Truncate(preview, 300), "```", "` ` `")
	text := fmt.Sprintf(":gear: `%s`: `%s`\n```\n%s\n```",
		env.Str("tool_name"), job.toolInput[toolUseID], short)
	if err := r.client.UpdateMessage(job.channelID, ts, text); err != nil {
		r.logger.Debug("Failed to edit tool-call message", "error", err)
	}
}

func (r *Reporter) onApprovalNeeded(job *jobThread, env events.Envelope) {
	toolName := env.Str("tool_name")
	toolInput := events.Truncate(env.Str("tool_input"), 300)
	value := fmt.Sprintf("%s|%s|%s", env.JobID, env.Str("tool_use_id"), toolName)

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf(":lock: *Approval needed* — `%s`\n`%s`", toolName, toolInput),
				false, false),
			nil, nil),
		slack.NewActionBlock("approval_actions",
			newButton("approve_tool", "Approve", value, slack.StylePrimary),
			newButton("approve_tool_all", "Approve All", value, slack.StyleDefault),
			newButton("deny_tool", "Deny", value, slack.StyleDanger),
		),
	}

	ts, err := r.client.PostBlocks(job.channelID, job.threadTS,
		"Approval needed: "+toolName, blocks)
	if err != nil {
		r.logger.Warn("Failed to post approval prompt", "error", err)
		return
	}
	job.approvalTS = ts
}

func (r *Reporter) onApprovalTimeout(job *jobThread, env events.Envelope) {
	r.post(job, fmt.Sprintf(":hourglass: `%s` — approval timed out after %ds, denied automatically",
		env.Str("tool_name"), env.Int("timeout")))
}

func (r *Reporter) onAssistantResponse(job *jobThread, env events.Envelope) {
	message := env.Str("message")
	if message == "" {
		return
	}
	r.post(job, events.Truncate(message, events.MaxMessageText))
}

func (r *Reporter) onWaitingInput(job *jobThread) {
	r.updateStatus(job, ":speech_balloon: Waiting for your reply. Respond in this thread, or `!poc end` to finish.")
}

func (r *Reporter) onCompleted(job *jobThread, env events.Envelope) {
	var text string
	switch env.Str("status") {
	case events.StatusCancelled:
		text = ":stop_sign: Agent cancelled."
	case events.StatusMaxIterations:
		text = fmt.Sprintf(":warning: Agent reached max iterations (%d).", env.Int("iterations"))
	default:
		text = fmt.Sprintf(":white_check_mark: Agent completed in %d iterations.", env.Int("iterations"))
	}
	if message := env.Str("message"); message != "" {
		text += "\n\n" + events.Truncate(message, 1500)
	}
	in, out := env.Int("input_tokens"), env.Int("output_tokens")
	if in > 0 || out > 0 {
		text += fmt.Sprintf("\n_Tokens: %d in / %d out_", in, out)
	}
	r.post(job, text)
	job.statusTS = ""
}

func (r *Reporter) onFailed(job *jobThread, env events.Envelope) {
	r.post(job, ":x: Agent failed: "+events.Truncate(env.Str("error"), 500))
	job.statusTS = ""
}

func (r *Reporter) onSessionEnded(job *jobThread, env events.Envelope) {
	text := ":checkered_flag: Session ended."
	if message := env.Str("message"); message != "" {
		text += " " + events.Truncate(message, 500)
	}
	r.post(job, text)
	job.statusTS = ""
}

func (r *Reporter) post(job *jobThread, text string) {
	if _, err := r.client.PostThreadMessage(job.channelID, job.threadTS, text); err != nil {
		r.logger.Warn("Failed to post to thread", "error", err)
	}
}

// updateStatus edits the rolling status message, creating it on first use.
func (r *Reporter) updateStatus(job *jobThread, text string) {
	if job.statusTS != "" {
		if err := r.client.UpdateMessage(job.channelID, job.statusTS, text); err != nil {
			r.logger.Debug("Failed to edit status message", "error", err)
		}
		return
	}
	ts, err := r.client.PostThreadMessage(job.channelID, job.threadTS, text)
	if err != nil {
		r.logger.Warn("Failed to post status message", "error", err)
		return
	}
	job.statusTS = ts
}

func newButton(actionID, label, value string, style slack.Style) *slack.ButtonBlockElement {
	btn := slack.NewButtonBlockElement(actionID, value,
		slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
	if style != slack.StyleDefault {
		btn.WithStyle(style)
	}
	return btn
}
