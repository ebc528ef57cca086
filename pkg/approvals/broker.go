// Package approvals owns the pending-approval table on the controller and
// converts a human decision, whether a button click or a typed reply, into a
// runner RPC plus a chat UI update.
package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/poc-agent/poc-agent/pkg/runnerclient"
	"github.com/poc-agent/poc-agent/pkg/state"
)

// Typed-reply vocabularies, matched against lower-cased stripped text.
var (
	approveWords = map[string]bool{"yes": true, "y": true, "approve": true, "ok": true, "go": true}
	denyWords    = map[string]bool{"no": true, "n": true, "deny": true, "reject": true, "stop": true}
)

// RunnerAPI is the slice of the runner client the broker needs.
type RunnerAPI interface {
	Approve(ctx context.Context, jobID string, req runnerclient.ApproveRequest) error
}

// Notifier updates the chat UI after a decision. A nil-safe no-op
// implementation is used in tests.
type Notifier interface {
	// UpdateMessage edits an existing message in place.
	UpdateMessage(channelID, messageTS, text string) error
	// PostThreadMessage posts a new message into a job thread.
	PostThreadMessage(channelID, threadTS, text string) (string, error)
}

// ChatCoords locates the thread an approval prompt lives in.
type ChatCoords struct {
	ChannelID string
	ThreadTS  string
}

// Pending is one parked tool call awaiting a decision. At most one exists
// per job; it lives exactly as long as the session is blocked in its
// permission callback for this tool_use_id.
type Pending struct {
	JobID     string
	ToolUseID string
	ToolName  string
	Coords    ChatCoords
	MessageTS string // ts of the rendered prompt, set by the front-end
}

// Broker is the pending-approval table plus its decision plumbing. Table
// mutations happen under the lock; runner RPCs and UI edits happen after it
// is released so a slow network call never blocks other jobs' decisions.
type Broker struct {
	store    *state.Store
	runner   RunnerAPI
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending // job_id → entry
}

// NewBroker creates an empty broker.
func NewBroker(store *state.Store, runner RunnerAPI, notifier Notifier) *Broker {
	return &Broker{
		store:    store,
		runner:   runner,
		notifier: notifier,
		logger:   slog.Default().With("component", "approval-broker"),
		pending:  map[string]*Pending{},
	}
}

// RegisterPending installs a pending entry for a job, overwriting any prior
// one. Required before HandleApprove/HandleDeny/HandleTextReply can match.
func (b *Broker) RegisterPending(jobID, toolUseID, toolName string, coords ChatCoords) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[jobID] = &Pending{
		JobID:     jobID,
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Coords:    coords,
	}
	b.logger.Info("Approval pending", "job_id", jobID, "tool", toolName, "tool_use_id", toolUseID)
}

// SetPromptTS records the chat timestamp of the rendered prompt so a later
// decision can edit it in place.
func (b *Broker) SetPromptTS(jobID, messageTS string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.pending[jobID]; ok {
		entry.MessageTS = messageTS
	}
}

// GetPending returns a copy of the job's pending entry, if any.
func (b *Broker) GetPending(jobID string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[jobID]
	if !ok {
		return Pending{}, false
	}
	return *entry, true
}

// Clear unconditionally removes the job's pending entry. Used when the
// runner reports an approval timeout.
func (b *Broker) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, jobID)
}

// HandleApprove resolves a pending approval positively. Returns false when
// no entry matches the (job_id, tool_use_id) pair; duplicate clicks land
// here and are benign.
func (b *Broker) HandleApprove(jobID, toolUseID string, autoAll bool, messageTS string) bool {
	entry, ok := b.consume(jobID, toolUseID)
	if !ok {
		return false
	}

	if err := b.runner.Approve(context.Background(), jobID, runnerclient.ApproveRequest{
		ToolUseID:       toolUseID,
		Approved:        true,
		AutoApproveTool: autoAll,
	}); err != nil {
		b.logger.Error("Approve RPC failed", "job_id", jobID, "error", err)
	}

	if autoAll {
		b.recordAutoApproval(jobID, entry.ToolName)
	}

	text := fmt.Sprintf(":white_check_mark: `%s` — *Approved*", entry.ToolName)
	if autoAll {
		text += " (all future calls)"
	}
	b.updateUI(entry, messageTS, text)
	b.logger.Info("Tool approved", "job_id", jobID, "tool", entry.ToolName, "auto_all", autoAll)
	return true
}

// HandleDeny resolves a pending approval negatively.
func (b *Broker) HandleDeny(jobID, toolUseID, messageTS string) bool {
	entry, ok := b.consume(jobID, toolUseID)
	if !ok {
		return false
	}

	if err := b.runner.Approve(context.Background(), jobID, runnerclient.ApproveRequest{
		ToolUseID: toolUseID,
		Approved:  false,
	}); err != nil {
		b.logger.Error("Deny RPC failed", "job_id", jobID, "error", err)
	}

	b.updateUI(entry, messageTS, fmt.Sprintf(":no_entry_sign: `%s` — *Denied*", entry.ToolName))
	b.logger.Info("Tool denied", "job_id", jobID, "tool", entry.ToolName)
	return true
}

// HandleTextReply matches free text in a job thread against the approval
// vocabularies. Returns false when the text is neither, leaving the caller
// free to forward it as a follow-up message.
func (b *Broker) HandleTextReply(jobID, text string) bool {
	word := strings.ToLower(strings.TrimSpace(text))

	entry, ok := b.GetPending(jobID)
	if !ok {
		return false
	}
	switch {
	case approveWords[word]:
		return b.HandleApprove(jobID, entry.ToolUseID, false, entry.MessageTS)
	case denyWords[word]:
		return b.HandleDeny(jobID, entry.ToolUseID, entry.MessageTS)
	}
	return false
}

// consume removes and returns the pending entry iff the tool_use_id matches.
func (b *Broker) consume(jobID, toolUseID string) (*Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[jobID]
	if !ok || entry.ToolUseID != toolUseID {
		return nil, false
	}
	delete(b.pending, jobID)
	return entry, true
}

// recordAutoApproval persists the blanket approval on the job record.
func (b *Broker) recordAutoApproval(jobID, toolName string) {
	job, err := b.store.Load(jobID)
	if err != nil {
		b.logger.Warn("Failed to load job for auto-approval", "job_id", jobID, "error", err)
		return
	}
	job.ApproveTool(toolName)
	if err := b.store.Save(job); err != nil {
		b.logger.Warn("Failed to save auto-approval", "job_id", jobID, "error", err)
	}
}

// updateUI edits the original prompt when its ts is known, otherwise posts a
// new message into the thread.
func (b *Broker) updateUI(entry *Pending, messageTS, text string) {
	if b.notifier == nil {
		return
	}
	ts := messageTS
	if ts == "" {
		ts = entry.MessageTS
	}
	if ts != "" {
		if err := b.notifier.UpdateMessage(entry.Coords.ChannelID, ts, text); err != nil {
			b.logger.Warn("Failed to update approval prompt", "job_id", entry.JobID, "error", err)
		}
		return
	}
	if _, err := b.notifier.PostThreadMessage(entry.Coords.ChannelID, entry.Coords.ThreadTS, text); err != nil {
		b.logger.Warn("Failed to post approval decision", "job_id", entry.JobID, "error", err)
	}
}
