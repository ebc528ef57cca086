// Package config holds the environment-driven configuration for the
// controller and runner processes. Ports are build-time constants; only
// credentials, paths and endpoint URLs come from the environment.
package config

import (
	"fmt"
	"os"
	"time"
)

// Fixed listen ports. The controller accepts runner events on CallbackPort;
// the runner accepts controller commands on RunnerPort.
const (
	RunnerPort   = 8000
	CallbackPort = 8001
)

// Session defaults shared by both processes.
const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxTurns        = 200
	DefaultApprovalTimeout = 600 * time.Second
)

// DefaultJobsRoot is the on-disk job-state tree shared through the
// controller (the runner mounts the same directory for logs and event files).
const DefaultJobsRoot = "runner/jobs"

// Controller holds the orchestrator-side settings.
type Controller struct {
	SlackBotToken string
	SlackAppToken string
	JobsRoot      string
	RunnerURL     string // base URL of the runner command API
	CallbackURL   string // URL the runner POSTs events to
}

// Runner holds the runner-side settings.
type Runner struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	WorkspaceRoot    string
	JobsRoot         string
}

// ControllerFromEnv builds a Controller config from the environment.
// Validation of required values is separate (see Validate) so the entry
// point can report every missing prerequisite at once.
func ControllerFromEnv() *Controller {
	return &Controller{
		SlackBotToken: os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken: os.Getenv("SLACK_APP_TOKEN"),
		JobsRoot:      getEnv("JOBS_ROOT", DefaultJobsRoot),
		RunnerURL:     getEnv("RUNNER_URL", fmt.Sprintf("http://localhost:%d", RunnerPort)),
		CallbackURL:   getEnv("CALLBACK_URL", fmt.Sprintf("http://localhost:%d/events", CallbackPort)),
	}
}

// Validate returns one message per missing prerequisite.
func (c *Controller) Validate() []string {
	var errs []string
	if c.SlackBotToken == "" {
		errs = append(errs, "SLACK_BOT_TOKEN not set")
	}
	if c.SlackAppToken == "" {
		errs = append(errs, "SLACK_APP_TOKEN not set")
	}
	return errs
}

// RunnerFromEnv builds a Runner config from the environment.
func RunnerFromEnv() *Runner {
	return &Runner{
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		WorkspaceRoot:    getEnv("WORKSPACE_ROOT", "/workspace"),
		JobsRoot:         getEnv("JOBS_ROOT", "/runner/jobs"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
