package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// postTimeout bounds a single event POST to the controller.
const postTimeout = 10 * time.Second

// Publisher delivers events for one job to the controller callback URL.
// Delivery is best-effort fire-and-forget: failures are logged, never
// returned, and every event is appended to the job's events.jsonl first so
// the local log stays complete even when the controller is unreachable.
type Publisher struct {
	callbackURL string
	jobID       string
	eventsPath  string
	client      *http.Client
	logger      *slog.Logger
}

// NewPublisher creates a publisher for a job. An empty callbackURL disables
// HTTP delivery; events still land in the local log.
func NewPublisher(callbackURL, jobID, jobsRoot string) *Publisher {
	return &Publisher{
		callbackURL: callbackURL,
		jobID:       jobID,
		eventsPath:  filepath.Join(jobsRoot, jobID, "events.jsonl"),
		client:      &http.Client{Timeout: postTimeout},
		logger:      slog.Default().With("component", "event-publisher", "job_id", jobID),
	}
}

// Post builds an envelope and delivers it.
func (p *Publisher) Post(eventType string, data map[string]any) {
	env := New(p.jobID, eventType, data)
	p.appendLocal(env)

	if p.callbackURL == "" {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Warn("Failed to encode event", "event_type", eventType, "error", err)
		return
	}
	resp, err := p.client.Post(p.callbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		p.logger.Debug("Failed to POST event", "event_type", eventType, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		p.logger.Warn("Callback POST rejected",
			"event_type", eventType, "status", resp.StatusCode)
	}
}

// appendLocal appends the envelope to the per-job JSONL event log.
func (p *Publisher) appendLocal(env Envelope) {
	if err := os.MkdirAll(filepath.Dir(p.eventsPath), 0o755); err != nil {
		p.logger.Debug("Failed to create events dir", "error", err)
		return
	}
	f, err := os.OpenFile(p.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.logger.Debug("Failed to open events log", "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(env)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		p.logger.Debug("Failed to append event", "error", err)
	}
}
