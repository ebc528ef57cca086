package slackbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/poc-agent/poc-agent/pkg/approvals"
	"github.com/poc-agent/poc-agent/pkg/progress"
	"github.com/poc-agent/poc-agent/pkg/queue"
	"github.com/poc-agent/poc-agent/pkg/runnerclient"
	"github.com/poc-agent/poc-agent/pkg/state"
)

// RunnerAPI is the slice of the runner client the bot needs directly:
// forwarding thread replies as follow-up messages and fetching live session
// detail for status replies.
type RunnerAPI interface {
	Message(ctx context.Context, jobID, message string) error
	Status(ctx context.Context, jobID string) (*runnerclient.StatusSnapshot, error)
}

// poster posts thread replies; satisfied by *Client and by test fakes.
type poster interface {
	PostThreadMessage(channelID, threadTS, text string) (string, error)
}

// Bot runs the Socket Mode loop and dispatches commands, button clicks and
// thread replies.
type Bot struct {
	sm       *socketmode.Client
	chat     poster
	store    *state.Store
	queue    *queue.Queue
	broker   *approvals.Broker
	reporter *progress.Reporter
	runner   RunnerAPI
	logger   *slog.Logger

	mu      sync.Mutex
	threads map[string]string // thread_ts → job_id
}

// NewBot wires the front-end together. sm may be nil in tests; only Run
// requires it.
func NewBot(sm *socketmode.Client, chat poster, store *state.Store, q *queue.Queue,
	broker *approvals.Broker, reporter *progress.Reporter, runner RunnerAPI) *Bot {
	return &Bot{
		sm:       sm,
		chat:     chat,
		store:    store,
		queue:    q,
		broker:   broker,
		reporter: reporter,
		runner:   runner,
		logger:   slog.Default().With("component", "slack-bot"),
		threads:  map[string]string{},
	}
}

// Run processes Socket Mode events until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	go func() {
		for evt := range b.sm.Events {
			switch evt.Type {
			case socketmode.EventTypeConnected:
				b.logger.Info("Connected to Slack")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					b.sm.Ack(*evt.Request)
				}
				if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
					b.handleMessage(msg)
				}
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(goslack.InteractionCallback)
				if !ok {
					continue
				}
				if evt.Request != nil {
					b.sm.Ack(*evt.Request)
				}
				b.handleInteraction(&callback)
			}
		}
	}()
	return b.sm.RunContext(ctx)
}

// handleMessage routes one message event: commands first, then thread
// replies to known job threads.
func (b *Bot) handleMessage(msg *slackevents.MessageEvent) {
	if msg.BotID != "" || msg.SubType != "" {
		return
	}
	text := strings.TrimSpace(msg.Text)

	if action, args := ParseCommand(text); action != "" {
		b.dispatchCommand(action, args, msg)
		return
	}

	if msg.ThreadTimeStamp != "" {
		b.handleThreadReply(msg.ThreadTimeStamp, text)
	}
}

func (b *Bot) dispatchCommand(action, args string, msg *slackevents.MessageEvent) {
	channel, ts := msg.Channel, msg.TimeStamp
	// Commands typed inside a job thread reply into that thread.
	if msg.ThreadTimeStamp != "" {
		ts = msg.ThreadTimeStamp
	}

	switch action {
	case "help":
		b.say(channel, ts, HelpText)
	case "run":
		b.handleRun(args, msg.User, channel, ts)
	case "status":
		b.handleStatus(args, channel, ts)
	case "cancel":
		b.handleCancel(args, channel, ts)
	case "end":
		b.handleEnd(args, channel, ts)
	case "list":
		ids, err := b.store.List()
		if err != nil {
			b.say(channel, ts, ":x: Failed to list jobs.")
			return
		}
		b.say(channel, ts, FormatJobList(b.store, ids))
	default:
		b.say(channel, ts, fmt.Sprintf(":question: Unknown command `%s`. Try `!poc help`.", action))
	}
}

func (b *Bot) handleRun(args, user, channel, threadTS string) {
	goal, model := ParseRunArgs(args)
	if goal == "" {
		b.say(channel, threadTS, "Usage: `!poc run [--model <alias|id>] <goal>`")
		return
	}

	job, err := b.store.Create(goal, state.CreateOptions{
		RequestedBy: user,
		ChannelID:   channel,
		ThreadTS:    threadTS,
		Model:       model,
	})
	if err != nil {
		b.logger.Error("Failed to create job", "error", err)
		b.say(channel, threadTS, ":x: Failed to create job.")
		return
	}

	b.reporter.RegisterJob(job.JobID, channel, threadTS)
	b.registerThread(threadTS, job.JobID)

	position := b.queue.Enqueue(job.JobID)
	if position == 0 {
		b.say(channel, threadTS, fmt.Sprintf(":rocket: Job `%s` starting: _%s_", job.JobID, goal))
	} else {
		b.say(channel, threadTS, fmt.Sprintf(":hourglass: Job `%s` queued at position %d: _%s_", job.JobID, position, goal))
	}
}

func (b *Bot) handleStatus(args, channel, threadTS string) {
	jobID := strings.TrimSpace(args)
	if jobID == "" {
		jobID = b.queue.CurrentJobID()
	}
	if jobID == "" {
		b.say(channel, threadTS, "No active job. Use `!poc list` to see recent jobs.")
		return
	}
	job, err := b.store.Load(jobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			b.say(channel, threadTS, fmt.Sprintf(":x: Job `%s` not found.", jobID))
			return
		}
		b.say(channel, threadTS, fmt.Sprintf(":x: Failed to read job `%s`.", jobID))
		return
	}

	text := FormatJobStatus(job)
	// For the job occupying the runner slot, enrich with live session detail.
	if jobID == b.queue.CurrentJobID() && !job.Phase.Terminal() {
		if snap, err := b.runner.Status(context.Background(), jobID); err == nil {
			text += "\n" + FormatLiveStatus(snap)
		} else {
			b.logger.Debug("Live status unavailable", "job_id", jobID, "error", err)
		}
	}
	b.say(channel, threadTS, text)
}

func (b *Bot) handleCancel(args, channel, threadTS string) {
	jobID := strings.TrimSpace(args)
	if jobID == "" {
		jobID = b.queue.CurrentJobID()
	}
	if jobID == "" {
		b.say(channel, threadTS, "No active job to cancel.")
		return
	}
	if b.queue.Cancel(jobID) {
		b.say(channel, threadTS, fmt.Sprintf(":stop_sign: Cancellation requested for `%s`.", jobID))
	} else {
		b.say(channel, threadTS, fmt.Sprintf(":x: Job `%s` not found or already finished.", jobID))
	}
}

func (b *Bot) handleEnd(args, channel, threadTS string) {
	jobID := strings.TrimSpace(args)
	if jobID == "" {
		jobID = b.queue.CurrentJobID()
	}
	if jobID == "" {
		b.say(channel, threadTS, "No active session to end.")
		return
	}
	if err := b.queue.EndSession(jobID); err != nil {
		b.logger.Warn("End session failed", "job_id", jobID, "error", err)
		b.say(channel, threadTS, fmt.Sprintf(":x: Could not end session for `%s`.", jobID))
		return
	}
	b.say(channel, threadTS, fmt.Sprintf(":checkered_flag: Ending session for `%s`.", jobID))
}

// handleThreadReply routes free text in a job thread: approval vocabulary
// first, then as a follow-up message to the session.
func (b *Bot) handleThreadReply(threadTS, text string) {
	jobID := b.jobForThread(threadTS)
	if jobID == "" || text == "" {
		return
	}
	if b.broker.HandleTextReply(jobID, text) {
		return
	}
	if err := b.runner.Message(context.Background(), jobID, text); err != nil {
		b.logger.Warn("Failed to forward thread reply", "job_id", jobID, "error", err)
		if channel, ts, ok := b.reporter.Thread(jobID); ok {
			b.say(channel, ts, ":x: Could not deliver your message to the agent.")
		}
	}
}

// handleInteraction resolves approval button clicks. Values carry
// "<job_id>|<tool_use_id>|<tool_name>"; the container ts locates the prompt
// so it can be edited in place.
func (b *Bot) handleInteraction(callback *goslack.InteractionCallback) {
	if callback.Type != goslack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		jobID, toolUseID, _, ok := parseActionValue(action.Value)
		if !ok {
			b.logger.Warn("Malformed action value", "value", action.Value)
			continue
		}
		messageTS := callback.Container.MessageTs

		var handled bool
		switch action.ActionID {
		case "approve_tool":
			handled = b.broker.HandleApprove(jobID, toolUseID, false, messageTS)
		case "approve_tool_all":
			handled = b.broker.HandleApprove(jobID, toolUseID, true, messageTS)
		case "deny_tool":
			handled = b.broker.HandleDeny(jobID, toolUseID, messageTS)
		default:
			continue
		}
		if !handled {
			b.logger.Debug("Stale approval click", "job_id", jobID, "tool_use_id", toolUseID)
		}
	}
}

// parseActionValue splits "<job_id>|<tool_use_id>|<tool_name>".
func parseActionValue(value string) (jobID, toolUseID, toolName string, ok bool) {
	parts := strings.SplitN(value, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func (b *Bot) registerThread(threadTS, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads[threadTS] = jobID
}

func (b *Bot) jobForThread(threadTS string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threads[threadTS]
}

func (b *Bot) say(channel, threadTS, text string) {
	if _, err := b.chat.PostThreadMessage(channel, threadTS, text); err != nil {
		b.logger.Warn("Failed to post reply", "error", err)
	}
}

// OnJobStarted implements queue.Callback.
func (b *Bot) OnJobStarted(job *state.Job) {
	b.logger.Info("Job started", "job_id", job.JobID)
}

// OnJobDone implements queue.Callback. Terminal reporting happens through
// runner events; nothing extra to post here.
func (b *Bot) OnJobDone(job *state.Job) {
	b.logger.Info("Job done", "job_id", job.JobID)
}

// OnJobFailed implements queue.Callback. Start failures never produce runner
// events, so this is the only place the user learns about them.
func (b *Bot) OnJobFailed(job *state.Job) {
	if job.ChannelID == "" || job.ThreadTS == "" {
		return
	}
	b.say(job.ChannelID, job.ThreadTS, fmt.Sprintf(":rotating_light: Job `%s` failed: %s", job.JobID, job.Error))
}

// OnJobCancelled implements queue.Callback.
func (b *Bot) OnJobCancelled(job *state.Job) {
	if job.ChannelID == "" || job.ThreadTS == "" {
		return
	}
	b.say(job.ChannelID, job.ThreadTS, fmt.Sprintf(":stop_sign: Job `%s` cancelled.", job.JobID))
}
