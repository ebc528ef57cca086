package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/poc-agent/poc-agent/pkg/config"
)

// Store errors. Load distinguishes a missing job from an unreadable one so
// callers can report "not found" without parsing error strings.
var (
	ErrNotFound = errors.New("job not found")
	ErrCorrupt  = errors.New("job state corrupt")
)

// Store reads and writes Job records under a jobs root directory.
// Serialization is per-job via the advisory lock file; operations on
// different jobs are independent.
type Store struct {
	root string
}

// NewStore creates a store rooted at the given directory. The directory is
// created lazily on the first save.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the jobs root directory.
func (s *Store) Root() string { return s.root }

// JobDir returns the directory owned by a job.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// StatePath returns the canonical state file for a job.
func (s *Store) StatePath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "state.json")
}

// LockPath returns the advisory lock file. It is distinct from state.json so
// the lock's lifetime stays orthogonal to the rename-replace of the data.
func (s *Store) LockPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "state.json.lock")
}

// LogsDir returns the per-session log directory for a job.
func (s *Store) LogsDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "logs")
}

// CreateOptions carries the optional attributes of a new job.
type CreateOptions struct {
	RequestedBy string
	ChannelID   string
	ThreadTS    string
	Model       string
	MaxTurns    int
	CallbackURL string
}

// Create generates a job ID, builds a QUEUED job and persists it.
func (s *Store) Create(goal string, opts CreateOptions) (*Job, error) {
	model := opts.Model
	if model == "" {
		model = config.DefaultModel
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = config.DefaultMaxTurns
	}
	now := utcNow()
	job := &Job{
		JobID:             GenerateJobID(time.Now()),
		Goal:              goal,
		Phase:             PhaseQueued,
		RequestedBy:       opts.RequestedBy,
		ChannelID:         opts.ChannelID,
		ThreadTS:          opts.ThreadTS,
		OriginalMessageTS: opts.ThreadTS,
		CreatedAt:         now,
		UpdatedAt:         now,
		Model:             model,
		MaxTurns:          maxTurns,
		ApprovedTools:     []string{},
		CallbackURL:       opts.CallbackURL,
	}
	if err := s.Save(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Save atomically overwrites the job's state.json under an exclusive
// advisory lock, bumping updated_at first. Partial writes are never visible:
// the new version is written to a temp file and renamed into place.
func (s *Store) Save(job *Job) error {
	if err := s.ensureDirs(job.JobID); err != nil {
		return err
	}
	job.Touch()

	lock := flock.New(s.LockPath(job.JobID))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking state for %s: %w", job.JobID, err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", job.JobID, err)
	}
	data = append(data, '\n')

	tmp := s.StatePath(job.JobID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state for %s: %w", job.JobID, err)
	}
	if err := os.Rename(tmp, s.StatePath(job.JobID)); err != nil {
		return fmt.Errorf("replacing state for %s: %w", job.JobID, err)
	}
	return nil
}

// Load reads a job's state under a shared advisory lock. Unknown fields in
// the file are ignored for forward compatibility.
func (s *Store) Load(jobID string) (*Job, error) {
	lock := flock.New(s.LockPath(jobID))
	if err := lock.RLock(); err != nil {
		// The lock file is created on demand; a missing job directory
		// surfaces here as a path error.
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("locking state for %s: %w", jobID, err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(s.StatePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("reading state for %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, jobID, err)
	}
	return &job, nil
}

// List returns the IDs of all jobs that have a state.json, sorted
// lexicographically, which by ID construction is also chronological.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning jobs root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.StatePath(entry.Name())); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ensureDirs(jobID string) error {
	if err := os.MkdirAll(s.LogsDir(jobID), 0o755); err != nil {
		return fmt.Errorf("creating job directories for %s: %w", jobID, err)
	}
	return nil
}
