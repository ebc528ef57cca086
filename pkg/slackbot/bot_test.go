package slackbot

import (
	"context"
	"sync"
	"testing"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poc-agent/poc-agent/pkg/approvals"
	"github.com/poc-agent/poc-agent/pkg/progress"
	"github.com/poc-agent/poc-agent/pkg/queue"
	"github.com/poc-agent/poc-agent/pkg/runnerclient"
	"github.com/poc-agent/poc-agent/pkg/state"
)

// fakeRunner satisfies queue.RunnerAPI, approvals.RunnerAPI and the bot's
// RunnerAPI in one object.
type fakeRunner struct {
	mu       sync.Mutex
	started  []string
	messages []string // "job|text"
	approves []runnerclient.ApproveRequest
}

func (f *fakeRunner) Start(_ context.Context, jobID string, req runnerclient.StartRequest) (*runnerclient.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobID)
	return &runnerclient.StartResponse{JobID: jobID, Status: "started", Model: req.Model}, nil
}

func (f *fakeRunner) Cancel(context.Context, string) error { return nil }
func (f *fakeRunner) End(context.Context, string) error    { return nil }

func (f *fakeRunner) Message(_ context.Context, jobID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, jobID+"|"+message)
	return nil
}

func (f *fakeRunner) Status(_ context.Context, jobID string) (*runnerclient.StatusSnapshot, error) {
	return &runnerclient.StatusSnapshot{JobID: jobID, Status: "running", Iteration: 3, MaxTurns: 200}, nil
}

func (f *fakeRunner) Approve(_ context.Context, _ string, req runnerclient.ApproveRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approves = append(f.approves, req)
	return nil
}

type fakeChat struct {
	mu    sync.Mutex
	posts []string // "channel|thread|text"
}

func (f *fakeChat) PostThreadMessage(channelID, threadTS, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, channelID+"|"+threadTS+"|"+text)
	return "ts-1", nil
}

func (f *fakeChat) PostBlocks(channelID, threadTS, fallback string, _ []goslack.Block) (string, error) {
	return f.PostThreadMessage(channelID, threadTS, fallback)
}

func (f *fakeChat) UpdateMessage(string, string, string) error { return nil }

func (f *fakeChat) lastPost(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.posts)
	return f.posts[len(f.posts)-1]
}

type botFixture struct {
	bot    *Bot
	chat   *fakeChat
	runner *fakeRunner
	store  *state.Store
	queue  *queue.Queue
	broker *approvals.Broker
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	store := state.NewStore(t.TempDir())
	runner := &fakeRunner{}
	chat := &fakeChat{}
	q := queue.New(store, runner, nil, "http://localhost:8001/events")
	broker := approvals.NewBroker(store, runner, nil)
	reporter := progress.NewReporter(chat)
	bot := NewBot(nil, chat, store, q, broker, reporter, runner)
	return &botFixture{bot: bot, chat: chat, runner: runner, store: store, queue: q, broker: broker}
}

func message(text string) *slackevents.MessageEvent {
	return &slackevents.MessageEvent{
		Channel:   "C1",
		User:      "U1",
		Text:      text,
		TimeStamp: "1700000000.000100",
	}
}

func (f *botFixture) waitStarted(t *testing.T) string {
	t.Helper()
	require.Eventually(t, func() bool {
		f.runner.mu.Lock()
		defer f.runner.mu.Unlock()
		return len(f.runner.started) > 0
	}, 2*time.Second, 10*time.Millisecond)
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	return f.runner.started[0]
}

func TestRunCommandCreatesAndEnqueues(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run fix the flaky test"))

	jobID := f.waitStarted(t)
	job, err := f.store.Load(jobID)
	require.NoError(t, err)
	assert.Equal(t, "fix the flaky test", job.Goal)
	assert.Equal(t, "U1", job.RequestedBy)
	assert.Equal(t, "C1", job.ChannelID)
	assert.Equal(t, "1700000000.000100", job.ThreadTS)

	assert.Contains(t, f.chat.posts[0], ":rocket: Job `"+jobID+"` starting:")
}

func TestRunCommandWithModelFlag(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run --model opus do the thing"))

	jobID := f.waitStarted(t)
	job, err := f.store.Load(jobID)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", job.Goal)
	assert.Equal(t, "claude-opus-4-1-20250805", job.Model)
}

func TestRunWithoutGoal(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run"))
	assert.Contains(t, f.chat.lastPost(t), "Usage:")
}

func TestStatusUnknownJob(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc status 20260101-000000-dead"))
	assert.Contains(t, f.chat.lastPost(t), "not found")
}

func TestStatusCurrentJobIncludesLiveSessionDetail(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run do something"))
	jobID := f.waitStarted(t)
	require.Eventually(t, func() bool {
		job, err := f.store.Load(jobID)
		return err == nil && job.Phase == state.PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	f.bot.handleMessage(message("!poc status"))
	post := f.chat.lastPost(t)
	assert.Contains(t, post, "*Job "+jobID+"*")
	assert.Contains(t, post, "Session: `running` (iteration 3/200)")
}

func TestStatusNoActiveJob(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc status"))
	assert.Contains(t, f.chat.lastPost(t), "No active job")
}

func TestCancelCurrentJob(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run do something"))
	jobID := f.waitStarted(t)

	f.bot.handleMessage(message("!poc cancel"))
	assert.Contains(t, f.chat.lastPost(t), "Cancellation requested for `"+jobID+"`")

	job, err := f.store.Load(jobID)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseCancelled, job.Phase)
}

func TestHelpAndUnknown(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc help"))
	assert.Contains(t, f.chat.lastPost(t), "*POC Orchestrator Commands*")

	f.bot.handleMessage(message("!poc frobnicate"))
	assert.Contains(t, f.chat.lastPost(t), "Unknown command `frobnicate`")
}

func TestBotMessagesIgnored(t *testing.T) {
	f := newBotFixture(t)
	msg := message("!poc help")
	msg.BotID = "B1"
	f.bot.handleMessage(msg)
	assert.Empty(t, f.chat.posts)
}

func TestThreadReplyApprovalVocabularyFirst(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run do something"))
	jobID := f.waitStarted(t)
	f.broker.RegisterPending(jobID, "tu-1", "Bash", approvals.ChatCoords{ChannelID: "C1", ThreadTS: "1700000000.000100"})

	reply := message("yes")
	reply.ThreadTimeStamp = "1700000000.000100"
	f.bot.handleMessage(reply)

	require.Len(t, f.runner.approves, 1)
	assert.True(t, f.runner.approves[0].Approved)
	assert.Empty(t, f.runner.messages)
}

func TestThreadReplyForwardedAsFollowUp(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run do something"))
	jobID := f.waitStarted(t)

	reply := message("please also update the changelog")
	reply.ThreadTimeStamp = "1700000000.000100"
	f.bot.handleMessage(reply)

	require.Len(t, f.runner.messages, 1)
	assert.Equal(t, jobID+"|please also update the changelog", f.runner.messages[0])
}

func TestThreadReplyUnknownThreadIgnored(t *testing.T) {
	f := newBotFixture(t)
	reply := message("hello")
	reply.ThreadTimeStamp = "1699999999.000001"
	f.bot.handleMessage(reply)
	assert.Empty(t, f.runner.messages)
}

func TestInteractionApprove(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run do something"))
	jobID := f.waitStarted(t)
	f.broker.RegisterPending(jobID, "tu-1", "Bash", approvals.ChatCoords{ChannelID: "C1", ThreadTS: "1700000000.000100"})

	callback := &goslack.InteractionCallback{
		Type: goslack.InteractionTypeBlockActions,
	}
	callback.Container.MessageTs = "m-1"
	callback.ActionCallback.BlockActions = []*goslack.BlockAction{{
		ActionID: "approve_tool_all",
		Value:    jobID + "|tu-1|Bash",
	}}
	f.bot.handleInteraction(callback)

	require.Len(t, f.runner.approves, 1)
	assert.True(t, f.runner.approves[0].Approved)
	assert.True(t, f.runner.approves[0].AutoApproveTool)

	// Auto-approval is persisted on the job.
	job, err := f.store.Load(jobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash"}, job.ApprovedTools)
}

func TestInteractionDeny(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("!poc run do something"))
	jobID := f.waitStarted(t)
	f.broker.RegisterPending(jobID, "tu-1", "Bash", approvals.ChatCoords{ChannelID: "C1", ThreadTS: "1700000000.000100"})

	callback := &goslack.InteractionCallback{Type: goslack.InteractionTypeBlockActions}
	callback.ActionCallback.BlockActions = []*goslack.BlockAction{{
		ActionID: "deny_tool",
		Value:    jobID + "|tu-1|Bash",
	}}
	f.bot.handleInteraction(callback)

	require.Len(t, f.runner.approves, 1)
	assert.False(t, f.runner.approves[0].Approved)
}
