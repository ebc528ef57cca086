// Package controller glues runner events to the rest of the orchestrator:
// chat rendering, the approval broker, job phase updates and queue
// completion. It is the single consumer behind the callback listener.
package controller

import (
	"fmt"
	"log/slog"

	"github.com/poc-agent/poc-agent/pkg/approvals"
	"github.com/poc-agent/poc-agent/pkg/events"
	"github.com/poc-agent/poc-agent/pkg/progress"
	"github.com/poc-agent/poc-agent/pkg/queue"
	"github.com/poc-agent/poc-agent/pkg/state"
)

// Router dispatches one event envelope to every interested component.
type Router struct {
	store    *state.Store
	queue    *queue.Queue
	broker   *approvals.Broker
	reporter *progress.Reporter
	logger   *slog.Logger
}

// NewRouter wires the event fan-out.
func NewRouter(store *state.Store, q *queue.Queue, broker *approvals.Broker, reporter *progress.Reporter) *Router {
	return &Router{
		store:    store,
		queue:    q,
		broker:   broker,
		reporter: reporter,
		logger:   slog.Default().With("component", "event-router"),
	}
}

// Handle processes one runner event. Must stay cheap: it runs on the
// callback listener's handler path. Idempotent for re-delivered events.
func (r *Router) Handle(env events.Envelope) {
	if !events.Known(env.EventType) {
		r.logger.Warn("Dropping unknown event type", "event_type", env.EventType, "job_id", env.JobID)
		return
	}

	// Chat rendering sees every event first, in arrival order.
	r.reporter.HandleEvent(env)

	switch env.EventType {
	case events.TypeApprovalNeeded:
		r.onApprovalNeeded(env)
	case events.TypeApprovalTimeout:
		r.broker.Clear(env.JobID)
		r.setPhase(env.JobID, state.PhaseRunning, "")
	case events.TypeWaitingInput:
		r.setPhase(env.JobID, state.PhaseWaitingInput, "")
	case events.TypeProgress, events.TypeThinking, events.TypeToolCall, events.TypeToolResult:
		r.resumeIfWaiting(env.JobID)
	case events.TypeTokenUsage:
		r.onTokenUsage(env)
	case events.TypeAssistantResponse:
		r.onAssistantResponse(env)
	case events.TypeCompleted:
		r.onCompleted(env)
		r.queue.MarkCompleted(env.JobID)
	case events.TypeFailed:
		r.setPhase(env.JobID, state.PhaseFailed, env.Str("error"))
		r.queue.MarkCompleted(env.JobID)
	case events.TypeSessionEnded:
		r.setPhase(env.JobID, state.PhaseDone, "")
		r.queue.MarkCompleted(env.JobID)
	}
}

func (r *Router) onApprovalNeeded(env events.Envelope) {
	r.setPhase(env.JobID, state.PhaseWaitingApproval, "")

	channelID, threadTS, ok := r.reporter.Thread(env.JobID)
	if !ok {
		r.logger.Warn("Approval needed for job without a registered thread", "job_id", env.JobID)
	}
	r.broker.RegisterPending(env.JobID, env.Str("tool_use_id"), env.Str("tool_name"),
		approvals.ChatCoords{ChannelID: channelID, ThreadTS: threadTS})

	// The reporter already posted the prompt (it sees every event first);
	// recording its ts lets a typed-reply decision edit it in place.
	if ts, ok := r.reporter.PromptTS(env.JobID); ok {
		r.broker.SetPromptTS(env.JobID, ts)
	}
}

func (r *Router) onTokenUsage(env events.Envelope) {
	job, err := r.store.Load(env.JobID)
	if err != nil {
		r.logger.Warn("Token usage for unknown job", "job_id", env.JobID, "error", err)
		return
	}
	job.InputTokens = env.Int("input_tokens")
	job.OutputTokens = env.Int("output_tokens")
	if iter := env.Int("iteration"); iter > job.AgentIteration {
		job.AgentIteration = iter
	}
	if err := r.store.Save(job); err != nil {
		r.logger.Warn("Failed to save token usage", "job_id", env.JobID, "error", err)
	}
}

func (r *Router) onAssistantResponse(env events.Envelope) {
	job, err := r.store.Load(env.JobID)
	if err != nil {
		return
	}
	if turns := env.Int("num_turns"); turns > job.AgentIteration {
		job.AgentIteration = turns
		if err := r.store.Save(job); err != nil {
			r.logger.Warn("Failed to save iteration count", "job_id", env.JobID, "error", err)
		}
	}
}

func (r *Router) onCompleted(env events.Envelope) {
	switch env.Str("status") {
	case events.StatusCancelled:
		r.setPhase(env.JobID, state.PhaseCancelled, "")
	case events.StatusMaxIterations:
		r.setPhase(env.JobID, state.PhaseDone,
			fmt.Sprintf("Reached maximum iterations (%d)", env.Int("iterations")))
	default:
		r.setPhase(env.JobID, state.PhaseDone, "")
	}
}

// resumeIfWaiting flips a WAITING_* job back to RUNNING when the session
// shows activity again.
func (r *Router) resumeIfWaiting(jobID string) {
	job, err := r.store.Load(jobID)
	if err != nil {
		return
	}
	if job.Phase != state.PhaseWaitingApproval && job.Phase != state.PhaseWaitingInput {
		return
	}
	if err := job.SetPhase(state.PhaseRunning); err != nil {
		return
	}
	if err := r.store.Save(job); err != nil {
		r.logger.Warn("Failed to resume job", "job_id", jobID, "error", err)
	}
}

// setPhase loads, transitions and saves. Rejected transitions (a terminal
// job receiving a late event) are logged and ignored; re-delivery of a
// terminal event lands here as a no-op.
func (r *Router) setPhase(jobID string, phase state.Phase, errText string) {
	job, err := r.store.Load(jobID)
	if err != nil {
		r.logger.Warn("Event for unknown job", "job_id", jobID, "error", err)
		return
	}
	if job.Phase == phase && errText == "" {
		return
	}
	if err := job.SetPhase(phase); err != nil {
		r.logger.Debug("Phase transition rejected", "job_id", jobID, "phase", phase, "error", err)
		return
	}
	if errText != "" {
		job.Error = errText
	}
	if err := r.store.Save(job); err != nil {
		r.logger.Error("Failed to save job", "job_id", jobID, "error", err)
	}
}
