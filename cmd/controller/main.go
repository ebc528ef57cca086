// Controller process: runs the Slack front-end, the job queue and the event
// callback server, and drives the runner over its command API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/poc-agent/poc-agent/pkg/approvals"
	"github.com/poc-agent/poc-agent/pkg/callback"
	"github.com/poc-agent/poc-agent/pkg/config"
	"github.com/poc-agent/poc-agent/pkg/controller"
	"github.com/poc-agent/poc-agent/pkg/progress"
	"github.com/poc-agent/poc-agent/pkg/queue"
	"github.com/poc-agent/poc-agent/pkg/runnerclient"
	"github.com/poc-agent/poc-agent/pkg/slackbot"
	"github.com/poc-agent/poc-agent/pkg/state"
)

// checkPrerequisites verifies everything the controller needs before any
// job can run. Every failure prints on its own line so the operator can fix
// them all in one pass.
func checkPrerequisites(cfg *config.Controller) []string {
	failures := cfg.Validate()

	if _, err := exec.LookPath("docker"); err != nil {
		failures = append(failures, "docker not found on PATH")
	} else if err := exec.Command("docker", "compose", "version").Run(); err != nil {
		failures = append(failures, "docker compose is not available")
	}
	return failures
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, continuing with existing environment")
	}

	cfg := config.ControllerFromEnv()
	if failures := checkPrerequisites(cfg); len(failures) > 0 {
		for _, failure := range failures {
			fmt.Fprintln(os.Stderr, "prerequisite check failed: "+failure)
		}
		os.Exit(1)
	}

	slog.Info("Starting controller",
		"jobs_root", cfg.JobsRoot,
		"runner_url", cfg.RunnerURL,
		"callback_port", config.CallbackPort)

	store := state.NewStore(cfg.JobsRoot)

	// Jobs that were in flight when the previous controller died cannot be
	// resumed; fail them before accepting new work.
	failed, err := queue.Recover(store)
	if err != nil {
		slog.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}
	if len(failed) > 0 {
		slog.Info("Recovered orphaned jobs", "count", len(failed), "job_ids", failed)
	}

	runner := runnerclient.New(cfg.RunnerURL)
	q := queue.New(store, runner, nil, cfg.CallbackURL)

	api := goslack.New(cfg.SlackBotToken,
		goslack.OptionAppLevelToken(cfg.SlackAppToken))
	sm := socketmode.New(api)
	chat := slackbot.NewClient(api)

	reporter := progress.NewReporter(chat)
	broker := approvals.NewBroker(store, runner, chat)
	bot := slackbot.NewBot(sm, chat, store, q, broker, reporter, runner)
	q.SetCallback(bot)

	router := controller.NewRouter(store, q, broker, reporter)
	callbackServer := callback.NewServer(config.CallbackPort, router)

	errCh := make(chan error, 1)
	go func() {
		if err := callbackServer.Start(); err != nil {
			errCh <- err
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Socket Mode loop exited", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Controller started")

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Fatal error, shutting down", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := callbackServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Callback server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
