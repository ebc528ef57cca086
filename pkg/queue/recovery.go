package queue

import (
	"log/slog"

	"github.com/poc-agent/poc-agent/pkg/state"
)

// restartError is recorded on jobs orphaned by a controller restart. The
// runner-side session object is lost with the process; there is no reconnect
// protocol, so an in-flight job cannot be resumed.
const restartError = "Orchestrator restarted while job was running"

// Recover scans all jobs at startup and fails any that were in flight when
// the previous controller process died. Returns the IDs of the jobs it
// rewrote.
func Recover(store *state.Store) ([]string, error) {
	ids, err := store.List()
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "job-queue")

	var recovered []string
	for _, id := range ids {
		job, err := store.Load(id)
		if err != nil {
			logger.Warn("Skipping unreadable job during recovery", "job_id", id, "error", err)
			continue
		}
		prev := job.Phase
		switch prev {
		case state.PhaseRunning, state.PhaseWaitingApproval, state.PhaseWaitingInput:
		default:
			continue
		}
		if err := job.SetPhase(state.PhaseFailed); err != nil {
			logger.Warn("Recovery transition rejected", "job_id", id, "error", err)
			continue
		}
		job.Error = restartError
		if err := store.Save(job); err != nil {
			logger.Error("Failed to save recovered job", "job_id", id, "error", err)
			continue
		}
		logger.Info("Recovered orphaned job", "job_id", id, "previous_phase", prev)
		recovered = append(recovered, id)
	}
	return recovered, nil
}
