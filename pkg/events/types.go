// Package events defines the wire protocol between the runner and the
// controller: a closed set of event types carried in a flat JSON envelope,
// POSTed runner→controller with at-least-once delivery. Controller-side
// handlers must be idempotent where duplicates are observable; unknown event
// types are logged and dropped.
package events

import "time"

// Event types emitted by the runner.
const (
	// TypeProgress carries plain assistant text, and fires once at session start.
	TypeProgress = "progress"
	// TypeThinking marks an iteration boundary or an internal-reasoning snippet.
	TypeThinking = "thinking"
	// TypeToolCall fires when the model invokes a tool.
	TypeToolCall = "tool_call"
	// TypeToolResult fires after a tool executes. Never emitted for denied calls.
	TypeToolResult = "tool_result"
	// TypeApprovalNeeded fires when the permission gate parks on a dangerous tool.
	TypeApprovalNeeded = "approval_needed"
	// TypeApprovalTimeout fires when the gate waited past the approval timeout.
	TypeApprovalTimeout = "approval_timeout"
	// TypeAssistantResponse completes one turn of the persistent session.
	TypeAssistantResponse = "assistant_response"
	// TypeWaitingInput signals the session is blocked on a follow-up or end.
	TypeWaitingInput = "waiting_input"
	// TypeCompleted terminates the session (completed, cancelled or max_iterations).
	TypeCompleted = "completed"
	// TypeFailed terminates the session with an error.
	TypeFailed = "failed"
	// TypeSessionEnded is the graceful terminal after an end request.
	TypeSessionEnded = "session_ended"
	// TypeTokenUsage is periodic token accounting.
	TypeTokenUsage = "token_usage"
)

// Terminal statuses carried in the data of a TypeCompleted event.
const (
	StatusCompleted     = "completed"
	StatusCancelled     = "cancelled"
	StatusMaxIterations = "max_iterations"
)

var knownTypes = map[string]bool{
	TypeProgress:          true,
	TypeThinking:          true,
	TypeToolCall:          true,
	TypeToolResult:        true,
	TypeApprovalNeeded:    true,
	TypeApprovalTimeout:   true,
	TypeAssistantResponse: true,
	TypeWaitingInput:      true,
	TypeCompleted:         true,
	TypeFailed:            true,
	TypeSessionEnded:      true,
	TypeTokenUsage:        true,
}

// Known reports whether eventType is part of the closed protocol set.
func Known(eventType string) bool {
	return knownTypes[eventType]
}

// Envelope is the wire format for a single event.
type Envelope struct {
	JobID     string         `json:"job_id"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"` // ISO-8601 UTC
	Data      map[string]any `json:"data"`
}

// New builds an envelope with the current UTC timestamp. A nil data map is
// normalized to an empty object so consumers never see "data": null.
func New(jobID, eventType string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		JobID:     jobID,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// String accessor for envelope data fields; missing or non-string values
// yield "".
func (e Envelope) Str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Int accessor for envelope data fields. JSON numbers decode as float64.
func (e Envelope) Int(key string) int {
	switch v := e.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
