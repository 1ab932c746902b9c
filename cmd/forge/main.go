// Command forge is the supervisor binary (§4.8): it syncs configured
// projects into the Store, spawns and restarts the forge-worker
// subprocess, runs the periodic health sweep, digest, and watchdog
// passes, and reloads configuration on SIGHUP. Wiring and signal handling
// follow cmd/cortex's main(): a single-instance flock, an RWMutex-guarded
// config manager, components started with `go x.Run(ctx)`, and one
// signal-select loop handling reload vs. graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/config"
	"github.com/kestrelflow/forge/internal/health"
	"github.com/kestrelflow/forge/internal/store"
	"github.com/kestrelflow/forge/internal/supervisor"
	"github.com/kestrelflow/forge/internal/watchdog"
	"github.com/kestrelflow/forge/internal/wiring"
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

// syncProjects upserts every configured project into the Store.
// InsertProject is ON CONFLICT DO UPDATE against the project's id, so this
// doubles as the reload path: mutable runtime fields like Paused and
// MergeInProgress are left untouched on repeat calls, everything else
// tracks the file.
func syncProjects(st *store.Store, cfg *config.Config) error {
	for name, p := range cfg.Projects {
		err := st.InsertProject(store.Project{
			ID:                    name,
			RepoRef:               p.RepoRef,
			InstallationID:        p.InstallationID,
			DefaultBranch:         p.DefaultBranch,
			AutonomyMode:          store.AutonomyMode(p.AutonomyMode),
			MaxConcurrentBranches: p.MaxConcurrentBranches,
			RiskPaths:             p.RiskPaths,
			ScoutSchedule:         p.ScoutSchedule,
			WildCardFrequency:     p.WildCardFrequency,
			ProductContext:        p.ProductContext,
			Nudges:                p.Nudges,
		})
		if err != nil {
			return fmt.Errorf("sync project %s: %w", name, err)
		}
	}
	return nil
}

func main() {
	configPath := flag.String("config", "forge.toml", "path to config file")
	workerBin := flag.String("worker-bin", "./forge-worker", "path to the forge-worker binary")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	bootLogger.Info("forge starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/forge.lock"
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := syncProjects(st, cfg); err != nil {
		logger.Error("failed to sync projects into store", "error", err)
		os.Exit(1)
	}

	resolver := wiring.NewResolver(cfg)
	_, tokens, err := resolver.RepoHost()
	if err != nil {
		logger.Error("failed to build repo host", "error", err)
		os.Exit(1)
	}
	notify := resolver.Notifier()

	var wd *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		wd = watchdog.New(watchdog.Config{
			Store:    st,
			Agent:    agent.NewRunner(watchdogAgentConfig(cfg)),
			Notifier: notify,
			Logger:   logger.With("component", "watchdog"),
		})
	}

	sup := supervisor.New(supervisor.Config{
		WorkerCommand:    []string{*workerBin, "-config", *configPath, "-dev=" + boolFlagString(*dev)},
		Store:            st,
		Tokens:           tokens,
		Notifier:         notify,
		Logger:           logger.With("component", "supervisor"),
		HealthInterval:   cfg.Health.CheckInterval.Duration,
		DigestInterval:   cfg.Health.DigestInterval.Duration,
		StaleThreshold:   cfg.Queue.StaleAfter.Duration,
		MergeLockMax:     cfg.Health.MergeLockMax.Duration,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		Watchdog:         wd,
		WatchdogInterval: cfg.Watchdog.Interval.Duration,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfgMu sync.RWMutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		updated, err := config.Reload(*configPath)
		if err != nil {
			return err
		}
		if config.RestartRequired(cfg, updated) {
			return fmt.Errorf("config change requires a restart (state_db or workspace.driver changed)")
		}
		cfgManager.Set(updated)
		cfg = updated
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return syncProjects(st, cfg)
	}

	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("supervisor exited with error", "error", err)
		}
	}()

	logger.Info("forge running", "state_db", cfg.General.StateDB, "projects", len(cfg.Projects))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("forge stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

func watchdogAgentConfig(cfg *config.Config) agent.CLIConfig {
	c := agent.CLIConfig{
		Cmd:           cfg.Agent.Cmd,
		PromptMode:    cfg.Agent.PromptMode,
		Args:          cfg.Agent.Args,
		ModelFlag:     cfg.Agent.ModelFlag,
		Model:         cfg.Agent.Model,
		ApprovalFlags: cfg.Agent.ApprovalFlags,
	}
	if cfg.Watchdog.Model != "" {
		c.Model = cfg.Watchdog.Model
	}
	return c
}

func boolFlagString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
