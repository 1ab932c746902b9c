// Command forge-worker runs the §4.7 poll/claim/dispatch loop against a
// shared Store. It is the subprocess cmd/forge supervises, restarts on
// crash, and health-sweeps around — this binary itself stays as small and
// crash-only as the teacher's own worker entrypoints, trusting the
// supervisor for everything longer-lived than one job.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/config"
	"github.com/kestrelflow/forge/internal/cycle"
	"github.com/kestrelflow/forge/internal/merge"
	"github.com/kestrelflow/forge/internal/stage"
	"github.com/kestrelflow/forge/internal/store"
	"github.com/kestrelflow/forge/internal/wiring"
	"github.com/kestrelflow/forge/internal/worker"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "forge.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	bootLogger.Info("forge-worker starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	resolver := wiring.NewResolver(cfg)
	repo, tokens, err := resolver.RepoHost()
	if err != nil {
		logger.Error("failed to build repo host", "error", err)
		os.Exit(1)
	}
	notify := resolver.Notifier()
	wsDriver, err := resolver.WorkspaceDriver()
	if err != nil {
		logger.Error("failed to build workspace driver", "error", err)
		os.Exit(1)
	}

	autonomy := &cycle.AutonomyPolicy{Store: st, Notifier: notify, Logger: logger.With("component", "autonomy")}
	transitions := &cycle.Transitions{Store: st, Repo: repo, Notifier: notify, Autonomy: autonomy, Logger: logger.With("component", "cycle")}
	mergeCoordinator := &merge.Coordinator{
		Store:       st,
		Repo:        repo,
		Notifier:    notify,
		Transitions: transitions,
		Logger:      logger.With("component", "merge"),
	}

	agentRunner := agent.NewRunner(agent.CLIConfig{
		Cmd:           cfg.Agent.Cmd,
		PromptMode:    cfg.Agent.PromptMode,
		Args:          cfg.Agent.Args,
		ModelFlag:     cfg.Agent.ModelFlag,
		Model:         cfg.Agent.Model,
		ApprovalFlags: cfg.Agent.ApprovalFlags,
	})
	registry := stage.NewRegistry(agentRunner)

	w := worker.New(worker.Config{
		WorkerID:        cfg.General.WorkerID,
		Store:           st,
		Repo:            repo,
		Tokens:          tokens,
		Notifier:        notify,
		WorkspaceDriver: wsDriver,
		Registry:        registry,
		Transitions:     transitions,
		Merge:           mergeCoordinator,
		Logger:          logger.With("component", "worker"),
		PollInterval:    cfg.Queue.PollInterval.Duration,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		StaleAfter:      cfg.Queue.StaleAfter.Duration,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("forge-worker running", "worker_id", cfg.General.WorkerID, "state_db", cfg.General.StateDB)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker loop exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("forge-worker stopped")
}
