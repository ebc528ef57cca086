// Package slackbot is the chat front-end: Socket Mode event loop, the !poc
// command surface, approval buttons and thread-reply routing.
package slackbot

import (
	"fmt"
	"strings"

	"github.com/poc-agent/poc-agent/pkg/config"
	"github.com/poc-agent/poc-agent/pkg/runnerclient"
	"github.com/poc-agent/poc-agent/pkg/state"
)

// CommandPrefix marks a message as a bot command.
const CommandPrefix = "!poc"

// HelpText is the response to "!poc help".
const HelpText = `*POC Orchestrator Commands*

` + "`!poc run [--model <alias|id>] <goal>`" + ` — Start a new agent job with the given goal
` + "`!poc status [job_id]`" + ` — Show status of a job (or current job)
` + "`!poc cancel [job_id]`" + ` — Cancel a running or queued job
` + "`!poc end [job_id]`" + ` — End a waiting session gracefully
` + "`!poc list`" + ` — List recent jobs
` + "`!poc help`" + ` — Show this help message

Reply in a job's thread to answer the agent; ` + "`yes`/`no`" + ` resolve pending approvals.`

// ParseCommand splits a !poc message into its action and argument text.
// Non-commands yield ("", ""); a bare "!poc" yields ("help", "").
func ParseCommand(text string) (action, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(strings.ToLower(text), CommandPrefix) {
		return "", ""
	}
	rest := strings.TrimSpace(text[len(CommandPrefix):])
	if rest == "" {
		return "help", ""
	}
	parts := strings.SplitN(rest, " ", 2)
	action = strings.ToLower(parts[0])
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return action, args
}

// ParseRunArgs extracts an optional "--model <alias|id>" flag from the run
// arguments, resolving model aliases, and returns the remaining goal text.
func ParseRunArgs(args string) (goal, model string) {
	fields := strings.Fields(args)
	var rest []string
	for i := 0; i < len(fields); i++ {
		if fields[i] == "--model" && i+1 < len(fields) {
			model = config.ResolveModel(fields[i+1])
			i++
			continue
		}
		rest = append(rest, fields[i])
	}
	return strings.Join(rest, " "), model
}

var phaseEmoji = map[state.Phase]string{
	state.PhaseQueued:          ":hourglass:",
	state.PhaseRunning:         ":gear:",
	state.PhaseWaitingApproval: ":lock:",
	state.PhaseWaitingInput:    ":speech_balloon:",
	state.PhaseBlocked:         ":warning:",
	state.PhaseDone:            ":tada:",
	state.PhaseFailed:          ":x:",
	state.PhaseCancelled:       ":stop_sign:",
}

// FormatJobStatus renders a job record for a status reply.
func FormatJobStatus(job *state.Job) string {
	emoji, ok := phaseEmoji[job.Phase]
	if !ok {
		emoji = ":question:"
	}

	lines := []string{
		fmt.Sprintf("%s *Job %s* — %s", emoji, job.JobID, job.Phase),
		fmt.Sprintf("Goal: _%s_", job.Goal),
		fmt.Sprintf("Model: `%s`", job.Model),
		fmt.Sprintf("Iteration: %d/%d", job.AgentIteration, job.MaxTurns),
	}
	if job.InputTokens > 0 || job.OutputTokens > 0 {
		lines = append(lines, fmt.Sprintf("Tokens: %d in / %d out", job.InputTokens, job.OutputTokens))
	}
	if len(job.ApprovedTools) > 0 {
		lines = append(lines, fmt.Sprintf("Approved tools: `%s`", strings.Join(job.ApprovedTools, "`, `")))
	}
	if job.Error != "" {
		lines = append(lines, fmt.Sprintf("\n:rotating_light: Error: %s", job.Error))
	}
	return strings.Join(lines, "\n")
}

// FormatLiveStatus renders the runner's in-memory view of the active
// session, appended below the stored status.
func FormatLiveStatus(snap *runnerclient.StatusSnapshot) string {
	lines := []string{fmt.Sprintf("Session: `%s` (iteration %d/%d)", snap.Status, snap.Iteration, snap.MaxTurns)}
	if snap.PendingApproval != nil {
		lines = append(lines, fmt.Sprintf("Pending approval: `%s`", snap.PendingApproval.ToolName))
	}
	if snap.ResultText != "" {
		lines = append(lines, fmt.Sprintf("Last response: _%s_", snap.ResultText))
	}
	return strings.Join(lines, "\n")
}

// FormatJobList renders the recent-jobs listing, newest first, capped at 10.
func FormatJobList(store *state.Store, ids []string) string {
	if len(ids) == 0 {
		return "No jobs found."
	}
	if len(ids) > 10 {
		ids = ids[len(ids)-10:]
	}
	lines := []string{"*Recent jobs:*"}
	for i := len(ids) - 1; i >= 0; i-- {
		job, err := store.Load(ids[i])
		if err != nil {
			lines = append(lines, fmt.Sprintf("  `%s` — (error reading state)", ids[i]))
			continue
		}
		goal := job.Goal
		if len(goal) > 60 {
			goal = goal[:60]
		}
		lines = append(lines, fmt.Sprintf("  `%s` — %s — _%s_", job.JobID, job.Phase, goal))
	}
	return strings.Join(lines, "\n")
}
