package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelflow/forge/internal/ids"
	"github.com/kestrelflow/forge/internal/store"
)

// HealthSweep runs the §4.8 periodic maintenance pass: stale-job reap,
// recoverable-pattern re-queue, stale merge-lock release, token refresh,
// worker-alive check, and idle-detection scout insertion.
func (s *Supervisor) HealthSweep(ctx context.Context) error {
	if _, err := s.cfg.Store.ReapStaleJobs(s.cfg.StaleThreshold, s.cfg.MaxAttempts); err != nil {
		return fmt.Errorf("supervisor: reap stale jobs: %w", err)
	}

	if err := s.requeueRecoverableFailures(); err != nil {
		return fmt.Errorf("supervisor: requeue recoverable failures: %w", err)
	}

	if _, err := s.cfg.Store.ReleaseStaleMergeLocks(s.cfg.MergeLockMax); err != nil {
		return fmt.Errorf("supervisor: release stale merge locks: %w", err)
	}

	if s.cfg.Tokens != nil {
		if _, err := s.cfg.Tokens.Token(ctx, ""); err != nil {
			s.cfg.Logger.Warn("token refresh failed during health sweep", "error", err)
		}
	}

	if !s.IsWorkerAlive() {
		s.cfg.Logger.Warn("worker child not alive, respawning")
		done := make(chan error, 1)
		if err := s.spawn(done); err != nil {
			return fmt.Errorf("supervisor: respawn after health check: %w", err)
		}
	}

	if err := s.runIdleDetection(); err != nil {
		return fmt.Errorf("supervisor: idle detection: %w", err)
	}

	return nil
}

// requeueRecoverableFailures resets failed build/review jobs whose
// last_error matches a known-transient pattern, clearing the way for
// another attempt without waiting for an operator.
func (s *Supervisor) requeueRecoverableFailures() error {
	jobs, err := s.cfg.Store.ListFailedJobsByTypes(store.JobBuild, store.JobReview)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		lower := strings.ToLower(j.LastError)
		for _, pattern := range recoverablePatterns {
			if strings.Contains(lower, pattern) {
				if err := s.cfg.Store.ResetJobAttempts(j.ID); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// runIdleDetection implements §4.8's idle-detection step: when the global
// queue has nothing pending or processing, any automate-mode project with
// no in-flight proposals and no scout already queued gets a fresh scout
// job, keeping the improvement loop self-sustaining.
func (s *Supervisor) runIdleDetection() error {
	busy, err := s.cfg.Store.AnyJobsPendingOrProcessing()
	if err != nil {
		return err
	}
	if busy {
		return nil
	}

	projects, err := s.cfg.Store.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if p.Paused || p.AutonomyMode != store.AutonomyAutomate {
			continue
		}
		active, err := s.cfg.Store.CountActiveBranches(p.ID)
		if err != nil {
			return err
		}
		if active > 0 {
			continue
		}
		pending, err := s.cfg.Store.HasPendingOrProcessingJob(p.ID, store.JobScout)
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		if err := s.cfg.Store.InsertJob(ids.New(), p.ID, store.JobScout, map[string]any{}); err != nil {
			return err
		}
	}
	return nil
}
