// Package runnerclient is the controller-side client for the runner command
// API. Every call is a short JSON-over-HTTP request; runner errors come back
// as {"error": "..."} bodies and are surfaced as wrapped Go errors.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 30 * time.Second

// StartRequest starts a session for a job.
type StartRequest struct {
	Goal            string `json:"goal"`
	CallbackURL     string `json:"callback_url"`
	Model           string `json:"model,omitempty"`
	MaxTurns        int    `json:"max_turns,omitempty"`
	ApprovalTimeout int    `json:"approval_timeout,omitempty"`
}

// StartResponse acknowledges a started session.
type StartResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Model  string `json:"model"`
}

// ApproveRequest resolves a pending tool approval.
type ApproveRequest struct {
	ToolUseID       string `json:"tool_use_id"`
	Approved        bool   `json:"approved"`
	AutoApproveTool bool   `json:"auto_approve_tool"`
}

// PendingApprovalInfo describes the tool call a session is parked on.
type PendingApprovalInfo struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
}

// StatusSnapshot is the runner's view of a session.
type StatusSnapshot struct {
	JobID           string               `json:"job_id"`
	Status          string               `json:"status"`
	Iteration       int                  `json:"iteration"`
	MaxTurns        int                  `json:"max_turns"`
	Model           string               `json:"model"`
	ResultText      string               `json:"result_text"`
	PendingApproval *PendingApprovalInfo `json:"pending_approval,omitempty"`
}

// Client talks to one runner instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the runner at baseURL (e.g. "http://localhost:8000").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Start launches a session for the job.
func (c *Client) Start(ctx context.Context, jobID string, req StartRequest) (*StartResponse, error) {
	var resp StartResponse
	if err := c.post(ctx, fmt.Sprintf("/jobs/%s/start", jobID), req, &resp); err != nil {
		return nil, fmt.Errorf("starting job %s: %w", jobID, err)
	}
	return &resp, nil
}

// Approve delivers an approval decision to a parked session.
func (c *Client) Approve(ctx context.Context, jobID string, req ApproveRequest) error {
	if err := c.post(ctx, fmt.Sprintf("/jobs/%s/approve", jobID), req, nil); err != nil {
		return fmt.Errorf("approving tool for job %s: %w", jobID, err)
	}
	return nil
}

// Message queues a follow-up message for the session.
func (c *Client) Message(ctx context.Context, jobID, message string) error {
	body := map[string]string{"message": message}
	if err := c.post(ctx, fmt.Sprintf("/jobs/%s/message", jobID), body, nil); err != nil {
		return fmt.Errorf("sending message to job %s: %w", jobID, err)
	}
	return nil
}

// Cancel requests cooperative cancellation of the session.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.post(ctx, fmt.Sprintf("/jobs/%s/cancel", jobID), struct{}{}, nil); err != nil {
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	return nil
}

// End requests a graceful end of a persistent session.
func (c *Client) End(ctx context.Context, jobID string) error {
	if err := c.post(ctx, fmt.Sprintf("/jobs/%s/end", jobID), struct{}{}, nil); err != nil {
		return fmt.Errorf("ending job %s: %w", jobID, err)
	}
	return nil
}

// Status fetches the runner's session snapshot for the job.
func (c *Client) Status(ctx context.Context, jobID string) (*StatusSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fmt.Sprintf("/jobs/%s/status", jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("building status request for job %s: %w", jobID, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching status for job %s: %w", jobID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching status for job %s: %w", jobID, decodeError(resp))
	}
	var snapshot StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decoding status for job %s: %w", jobID, err)
	}
	return &snapshot, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// decodeError turns a runner error response into a Go error, preferring the
// {"error": "..."} body over the bare status code.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Errorf("runner returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("runner returned %d", resp.StatusCode)
}
