// Package state provides durable per-job state. Each job owns a directory
// under the jobs root containing state.json (the canonical record),
// state.json.lock (advisory lock file), logs/ and events.jsonl.
//
// state.json is a closed schema: load ignores unknown keys, save writes
// exactly the fields below. Writers hold an exclusive advisory lock and
// replace the file atomically; readers hold a shared lock and always see a
// complete version.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"time"
)

// Phase is the externally visible lifecycle state of a job.
type Phase string

const (
	PhaseQueued          Phase = "QUEUED"
	PhaseRunning         Phase = "RUNNING"
	PhaseWaitingApproval Phase = "WAITING_APPROVAL"
	PhaseWaitingInput    Phase = "WAITING_INPUT"
	PhaseBlocked         Phase = "BLOCKED"
	PhaseDone            Phase = "DONE"
	PhaseFailed          Phase = "FAILED"
	PhaseCancelled       Phase = "CANCELLED"
)

var validPhases = []Phase{
	PhaseQueued, PhaseRunning, PhaseWaitingApproval, PhaseWaitingInput,
	PhaseBlocked, PhaseDone, PhaseFailed, PhaseCancelled,
}

// Valid reports whether p is a member of the phase enum.
func (p Phase) Valid() bool {
	return slices.Contains(validPhases, p)
}

// Terminal reports whether p is a sink: no further transitions are allowed.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCancelled
}

// Job is the persisted unit of work.
type Job struct {
	JobID             string   `json:"job_id"`
	Goal              string   `json:"goal"`
	Phase             Phase    `json:"phase"`
	RequestedBy       string   `json:"requested_by"`
	ChannelID         string   `json:"channel_id"`
	ThreadTS          string   `json:"thread_ts"`
	OriginalMessageTS string   `json:"original_message_ts"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
	Error             string   `json:"error,omitempty"`
	Model             string   `json:"model"`
	AgentIteration    int      `json:"agent_iteration"`
	MaxTurns          int      `json:"max_turns"`
	ApprovedTools     []string `json:"approved_tools"`
	CallbackURL       string   `json:"callback_url"`
	InputTokens       int      `json:"input_tokens"`
	OutputTokens      int      `json:"output_tokens"`
}

// Touch refreshes the updated_at timestamp.
func (j *Job) Touch() {
	j.UpdatedAt = utcNow()
}

// SetPhase transitions the job to the given phase. Invalid phases are
// rejected, and terminal phases are sinks: once DONE, FAILED or CANCELLED
// the job admits no further transitions.
func (j *Job) SetPhase(phase Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q", phase)
	}
	if j.Phase.Terminal() && phase != j.Phase {
		return fmt.Errorf("job %s is %s: cannot transition to %s", j.JobID, j.Phase, phase)
	}
	j.Phase = phase
	j.Touch()
	return nil
}

// ApproveTool records a blanket tool approval. Idempotent.
func (j *Job) ApproveTool(name string) {
	if !slices.Contains(j.ApprovedTools, name) {
		j.ApprovedTools = append(j.ApprovedTools, name)
	}
}

// GenerateJobID returns a human-readable, lexicographically sortable ID:
// UTC YYYYMMDD-HHMMSS plus a random hex suffix. The suffix comes from
// crypto/rand so same-second collisions stay vanishingly rare.
func GenerateJobID(now time.Time) string {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("state: reading random bytes: %v", err))
	}
	return now.UTC().Format("20060102-150405") + "-" + hex.EncodeToString(buf[:])
}

func utcNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
