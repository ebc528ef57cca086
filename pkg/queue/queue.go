// Package queue enforces single-concurrency FIFO scheduling over jobs. At
// most one job is RUNNING at any instant; the next queued job starts only
// after the current one reaches a terminal phase or its cancel is
// acknowledged.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/poc-agent/poc-agent/pkg/runnerclient"
	"github.com/poc-agent/poc-agent/pkg/state"
)

// RunnerAPI is the slice of the runner command client the queue needs.
type RunnerAPI interface {
	Start(ctx context.Context, jobID string, req runnerclient.StartRequest) (*runnerclient.StartResponse, error)
	Cancel(ctx context.Context, jobID string) error
	End(ctx context.Context, jobID string) error
}

// Callback receives job lifecycle notifications. Implemented by the chat
// front-end bridge; calls arrive outside the queue lock and may block on I/O.
type Callback interface {
	OnJobStarted(job *state.Job)
	OnJobDone(job *state.Job)
	OnJobFailed(job *state.Job)
	OnJobCancelled(job *state.Job)
}

// NullCallback discards all notifications.
type NullCallback struct{}

func (NullCallback) OnJobStarted(*state.Job)   {}
func (NullCallback) OnJobDone(*state.Job)      {}
func (NullCallback) OnJobFailed(*state.Job)    {}
func (NullCallback) OnJobCancelled(*state.Job) {}

// Queue is the FIFO scheduler.
type Queue struct {
	store       *state.Store
	runner      RunnerAPI
	callback    Callback
	callbackURL string
	logger      *slog.Logger

	mu      sync.Mutex
	queued  []string
	current string
}

// New creates an idle queue. callbackURL is handed to the runner on every
// start so it knows where to POST events.
func New(store *state.Store, runner RunnerAPI, callback Callback, callbackURL string) *Queue {
	if callback == nil {
		callback = NullCallback{}
	}
	return &Queue{
		store:       store,
		runner:      runner,
		callback:    callback,
		callbackURL: callbackURL,
		logger:      slog.Default().With("component", "job-queue"),
	}
}

// SetCallback replaces the notification sink. Called at wiring time, before
// any jobs flow: the front-end implementing the sink also needs the queue.
func (q *Queue) SetCallback(cb Callback) {
	if cb == nil {
		cb = NullCallback{}
	}
	q.callback = cb
}

// Enqueue appends the job and returns its 0-based queue position. If the
// queue is idle the job is promoted immediately; the start RPC runs on a
// detached goroutine so the lock is never held across network I/O.
func (q *Queue) Enqueue(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queued = append(q.queued, jobID)
	position := len(q.queued) - 1
	q.logger.Info("Job enqueued", "job_id", jobID, "position", position)
	if q.current == "" {
		q.startNext()
	}
	return position
}

// Cancel cancels a queued or running job. Returns false when the job is
// neither queued nor current.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	if idx := slices.Index(q.queued, jobID); idx >= 0 {
		q.queued = slices.Delete(q.queued, idx, idx+1)
		q.mu.Unlock()

		job := q.setPhase(jobID, state.PhaseCancelled, "")
		q.logger.Info("Queued job cancelled", "job_id", jobID)
		if job != nil {
			q.callback.OnJobCancelled(job)
		}
		return true
	}
	if q.current != jobID {
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	// Best effort: the session may already be gone.
	if err := q.runner.Cancel(context.Background(), jobID); err != nil {
		q.logger.Warn("Cancel RPC failed", "job_id", jobID, "error", err)
	}
	job := q.setPhase(jobID, state.PhaseCancelled, "")
	q.logger.Info("Running job cancelled", "job_id", jobID)
	if job != nil {
		q.callback.OnJobCancelled(job)
	}
	q.clearCurrent(jobID)
	return true
}

// MarkCompleted is called by the event handler on terminal events. It clears
// the current slot iff it still belongs to jobID, then promotes the next job.
func (q *Queue) MarkCompleted(jobID string) {
	q.clearCurrent(jobID)
}

// EndSession gracefully terminates a persistent session: the runner gets an
// end request, the job goes DONE, and the next job is promoted.
func (q *Queue) EndSession(jobID string) error {
	if err := q.runner.End(context.Background(), jobID); err != nil {
		return fmt.Errorf("ending session for %s: %w", jobID, err)
	}
	job := q.setPhase(jobID, state.PhaseDone, "")
	if job != nil {
		q.callback.OnJobDone(job)
	}
	q.clearCurrent(jobID)
	return nil
}

// HasActiveSession reports whether a job currently occupies the single slot.
func (q *Queue) HasActiveSession() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != ""
}

// CurrentJobID returns the running job's ID, or "" when idle.
func (q *Queue) CurrentJobID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// QueuedJobs returns a snapshot of the waiting jobs in FIFO order.
func (q *Queue) QueuedJobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.queued)
}

// startNext pops the queue head into the current slot and dispatches the
// start worker. Caller must hold q.mu.
func (q *Queue) startNext() {
	if len(q.queued) == 0 {
		return
	}
	jobID := q.queued[0]
	q.queued = q.queued[1:]
	q.current = jobID
	go q.startWorker(jobID)
}

// startWorker performs the start RPC for one job. Runs detached.
func (q *Queue) startWorker(jobID string) {
	job, err := q.store.Load(jobID)
	if err != nil {
		q.failJob(jobID, fmt.Sprintf("Failed to load job state: %v", err))
		return
	}
	if err := job.SetPhase(state.PhaseRunning); err != nil {
		q.failJob(jobID, err.Error())
		return
	}
	if err := q.store.Save(job); err != nil {
		q.failJob(jobID, fmt.Sprintf("Failed to save job state: %v", err))
		return
	}

	_, err = q.runner.Start(context.Background(), jobID, runnerclient.StartRequest{
		Goal:        job.Goal,
		CallbackURL: q.callbackURL,
		Model:       job.Model,
		MaxTurns:    job.MaxTurns,
	})
	if err != nil {
		q.logger.Error("Start RPC failed", "job_id", jobID, "error", err)
		q.failJob(jobID, fmt.Sprintf("Failed to start agent session: %v", err))
		return
	}

	q.logger.Info("Job started", "job_id", jobID, "model", job.Model)
	q.callback.OnJobStarted(job)
}

// failJob marks a job FAILED, notifies the sink and frees the slot.
func (q *Queue) failJob(jobID, message string) {
	job := q.setPhase(jobID, state.PhaseFailed, message)
	if job != nil {
		q.callback.OnJobFailed(job)
	}
	q.clearCurrent(jobID)
}

// clearCurrent frees the slot iff it is still owned by jobID, then promotes
// the next queued job.
func (q *Queue) clearCurrent(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != jobID {
		return
	}
	q.current = ""
	q.startNext()
}

// setPhase loads, transitions and saves a job, returning the updated record.
// Transition failures are logged, not propagated: by the time a terminal
// transition is requested the decision has already been made.
func (q *Queue) setPhase(jobID string, phase state.Phase, errText string) *state.Job {
	job, err := q.store.Load(jobID)
	if err != nil {
		q.logger.Error("Failed to load job", "job_id", jobID, "error", err)
		return nil
	}
	if err := job.SetPhase(phase); err != nil {
		q.logger.Warn("Phase transition rejected", "job_id", jobID, "phase", phase, "error", err)
		return job
	}
	if errText != "" {
		job.Error = errText
	}
	if err := q.store.Save(job); err != nil {
		q.logger.Error("Failed to save job", "job_id", jobID, "error", err)
	}
	return job
}
