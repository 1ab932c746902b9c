package supervisor

import (
	"context"

	"github.com/kestrelflow/forge/internal/store"
)

// runWatchdogSweep invokes the optional §4.9 watchdog for every project
// that currently has no build job pending or processing — the "no build
// active" precondition the spec gates the diagnosis pass on. A failure
// diagnosing one project is logged and does not stop the others.
func (s *Supervisor) runWatchdogSweep(ctx context.Context) {
	if s.cfg.Watchdog == nil {
		return
	}

	projects, err := s.cfg.Store.ListProjects()
	if err != nil {
		s.cfg.Logger.Warn("watchdog sweep: list projects failed", "error", err)
		return
	}

	for _, p := range projects {
		active, err := s.cfg.Store.HasPendingOrProcessingJob(p.ID, store.JobBuild)
		if err != nil {
			s.cfg.Logger.Warn("watchdog sweep: check active build failed", "project", p.ID, "error", err)
			continue
		}
		if active {
			continue
		}
		diag, err := s.cfg.Watchdog.Diagnose(ctx, p.ID)
		if err != nil {
			s.cfg.Logger.Warn("watchdog: diagnosis failed", "project", p.ID, "error", err)
			continue
		}
		s.cfg.Logger.Info("watchdog: diagnosis complete", "project", p.ID, "summary", diag.Summary, "actions", len(diag.Actions))
	}
}
