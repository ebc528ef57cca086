// Runner process: hosts agent sessions inside the sandbox container and
// exposes the command API the controller drives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/poc-agent/poc-agent/pkg/config"
	"github.com/poc-agent/poc-agent/pkg/runner"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, continuing with existing environment")
	}

	cfg := config.RunnerFromEnv()
	if cfg.AnthropicAPIKey == "" {
		fmt.Fprintln(os.Stderr, "prerequisite check failed: ANTHROPIC_API_KEY not set")
		os.Exit(1)
	}

	slog.Info("Starting runner",
		"workspace", cfg.WorkspaceRoot,
		"jobs_root", cfg.JobsRoot,
		"port", config.RunnerPort)

	registry := runner.NewRegistry()
	factory := func(model string) runner.Model {
		return runner.NewClaudeClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, model)
	}
	server := runner.NewServer(registry, factory, cfg.WorkspaceRoot, cfg.JobsRoot, "")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(fmt.Sprintf(":%d", config.RunnerPort)); err != nil {
			errCh <- err
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Fatal error, shutting down", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Runner server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
