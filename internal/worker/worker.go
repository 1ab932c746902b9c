// Package worker implements the §4.7 worker loop: poll, claim, dispatch to
// a stage function, classify failures, and apply the resulting state-machine
// transition. Grounded on the teacher's dispatch retry/backoff shape
// (internal/dispatch/backoff.go, retry.go) for the exponential-backoff
// policy, generalized here from "retry a stuck dispatch" to "back off
// after consecutive store failures".
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelflow/forge/internal/backoff"
	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/cycle"
	"github.com/kestrelflow/forge/internal/merge"
	"github.com/kestrelflow/forge/internal/stage"
	"github.com/kestrelflow/forge/internal/store"
	"github.com/kestrelflow/forge/internal/workspace"
)

const (
	defaultMaxAttempts      = 3
	defaultPollInterval     = 5 * time.Second
	defaultPausedSleep      = 30 * time.Second
	defaultStoreBackoffBase = 5 * time.Second
	defaultStoreBackoffMax  = 60 * time.Second
)

// FailureClass is the §7 classification a raised stage failure is sorted
// into.
type FailureClass string

const (
	ClassTransientIO  FailureClass = "transient_io"
	ClassOAuth        FailureClass = "oauth"
	ClassStageFailure FailureClass = "stage_failure"
	ClassConflict     FailureClass = "conflict"
	ClassFatal        FailureClass = "fatal"
)

// classifyFailure implements §7's classification: string-match against the
// error, with explicit OAuth/auth markers taking precedence, conflict
// markers next, then everything else treated as TransientIO up to
// MAX_ATTEMPTS. A stage that wants StageFailure or Fatal semantics returns
// a *stage.FailureError or *stage.FatalError explicitly rather than relying
// on a string match, since those outcomes drive state-machine transitions
// rather than plain retry/no-retry.
func classifyFailure(err error) FailureClass {
	if err == nil {
		return ClassTransientIO
	}

	var stageErr *stage.FailureError
	if errors.As(err, &stageErr) {
		return ClassStageFailure
	}
	var fatalErr *stage.FatalError
	if errors.As(err, &fatalErr) {
		return ClassFatal
	}

	// A capability implementation's typed sentinel takes precedence over
	// string matching — e.g. githubtoken only wraps genuine 401/403
	// responses as ErrAuth, leaving a transient network blip while minting
	// a token classified as ErrTransientIO instead (§7: "missing token
	// that can be re-fetched" is TransientIO, not OAuth).
	switch {
	case errors.Is(err, capability.ErrAuth):
		return ClassOAuth
	case errors.Is(err, capability.ErrTransientIO), errors.Is(err, capability.ErrRateLimited):
		return ClassTransientIO
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "oauth") || strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return ClassOAuth
	case strings.Contains(msg, "conflict") || strings.Contains(msg, "sha changed") || strings.Contains(msg, "already merged"):
		return ClassConflict
	default:
		return ClassTransientIO
	}
}

// Config configures a Worker.
type Config struct {
	WorkerID          string
	Store             *store.Store
	Repo              capability.RepoHost
	Tokens            capability.TokenProvider
	Notifier          capability.Notifier
	WorkspaceDriver   workspace.Driver
	Registry          stage.Registry
	Transitions       *cycle.Transitions
	Merge             *merge.Coordinator
	Logger            *slog.Logger
	PollInterval      time.Duration
	MaxAttempts       int
	IsPaused          func() bool // environment pause flag, checked each iteration (§4.7 step 1)
	StaleAfter        time.Duration
}

// Worker runs the single-process poll/claim/dispatch loop.
type Worker struct {
	cfg              Config
	consecutiveFails int
}

func New(cfg Config) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkspaceDriver == nil {
		cfg.WorkspaceDriver = workspace.NewTempDirDriver()
	}
	return &Worker{cfg: cfg}
}

// Run drives the loop until ctx is cancelled or a job fails with a
// *stage.FatalError, which it returns so the process exits and the
// supervisor restarts it.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.cfg.Tokens.Token(ctx, ""); err != nil {
		w.cfg.Logger.Warn("initial token refresh failed, continuing", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if w.cfg.IsPaused != nil && w.cfg.IsPaused() {
			sleepCtx(ctx, defaultPausedSleep)
			continue
		}

		if _, err := w.cfg.Store.ReapStaleJobs(w.cfg.StaleAfter, w.cfg.MaxAttempts); err != nil {
			w.recordStoreFailure(ctx, err)
			continue
		}

		job, err := w.cfg.Store.ClaimNextJob(w.cfg.WorkerID)
		if err != nil {
			w.recordStoreFailure(ctx, err)
			continue
		}
		w.consecutiveFails = 0

		if job == nil {
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}

		if err := w.handleJob(ctx, job); err != nil {
			var fatalErr *stage.FatalError
			if errors.As(err, &fatalErr) {
				return err
			}
			w.cfg.Logger.Error("job handling error", "job", job.ID, "error", err)
		}
	}
}

func (w *Worker) recordStoreFailure(ctx context.Context, err error) {
	w.consecutiveFails++
	w.cfg.Logger.Warn("store operation failed", "error", err, "consecutive_failures", w.consecutiveFails)
	delay := backoff.Delay(w.consecutiveFails, defaultStoreBackoffBase, defaultStoreBackoffMax)
	sleepCtx(ctx, delay)
}

func (w *Worker) handleJob(ctx context.Context, job *store.Job) error {
	project, err := w.cfg.Store.GetProject(job.ProjectID)
	if err != nil {
		return w.cfg.Store.RetryJob(job.ID, "load project: "+err.Error())
	}
	if project.Paused {
		return w.cfg.Store.ResetJobToPending(job.ID)
	}

	fn, ok := w.cfg.Registry.Lookup(job.JobType)
	if !ok {
		return w.cfg.Store.FailJob(job.ID, "no stage registered for job_type "+string(job.JobType))
	}

	ws, err := w.cfg.WorkspaceDriver.Acquire(ctx, job.ID)
	if err != nil {
		return w.cfg.Store.RetryJob(job.ID, "acquire workspace: "+err.Error())
	}
	defer func() {
		if rErr := ws.Release(ctx); rErr != nil {
			w.cfg.Logger.Warn("workspace release failed", "job", job.ID, "error", rErr)
		}
	}()

	if _, err := w.cfg.Tokens.Token(ctx, project.InstallationID); err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("refresh token: %w", err))
	}

	sc := stage.Context{
		Job:       job,
		Project:   project,
		Store:     w.cfg.Store,
		Repo:      w.cfg.Repo,
		Tokens:    w.cfg.Tokens,
		Notifier:  w.cfg.Notifier,
		Workspace: ws,
		Logger:    w.cfg.Logger,
	}

	result, err := fn(ctx, sc)
	if err != nil {
		return w.handleFailure(ctx, job, err)
	}

	if err := w.cfg.Store.MarkJobDone(job.ID); err != nil {
		return err
	}
	return w.applyTransition(ctx, job, project, result)
}

func (w *Worker) handleFailure(ctx context.Context, job *store.Job, failure error) error {
	class := classifyFailure(failure)
	switch class {
	case ClassOAuth:
		return w.cfg.Store.FailJob(job.ID, "OAuth error: "+failure.Error())
	case ClassTransientIO:
		if job.AttemptCount >= w.cfg.MaxAttempts {
			return w.cfg.Store.FailJob(job.ID, failure.Error())
		}
		return w.cfg.Store.RetryJob(job.ID, failure.Error())
	case ClassStageFailure:
		// Not retried as a job: route the proposal rejection / cycle
		// closing through cycle.Transitions before failing the job, so a
		// strategize or review stage that returns a bare FailureError
		// still reaches cycle completion (§7, §8 "exactly one
		// cycle_completed event").
		if tErr := w.applyStageFailureTransition(ctx, job, failure); tErr != nil {
			w.cfg.Logger.Error("stage failure transition failed", "job", job.ID, "error", tErr)
		}
		return w.cfg.Store.FailJob(job.ID, failure.Error())
	case ClassConflict:
		return w.cfg.Store.FailJob(job.ID, failure.Error())
	case ClassFatal:
		return failure
	default:
		return w.cfg.Store.RetryJob(job.ID, failure.Error())
	}
}

// applyStageFailureTransition closes out the proposal/cycle a StageFailure
// belongs to, mirroring what OnBuildNoChanges/OnReviewReject already do for
// their own failure paths (§7). strategize fails before any proposal
// exists, so its cycle is closed directly; every other stage that can
// return a FailureError operates on one proposal, which is rejected and
// checked for cycle completion.
func (w *Worker) applyStageFailureTransition(ctx context.Context, job *store.Job, failure error) error {
	switch job.JobType {
	case store.JobStrategize:
		var payload stage.StrategizePayload
		if err := stage.DecodePayload(job.JobType, job.Payload, &payload); err != nil {
			return err
		}
		project, err := w.cfg.Store.GetProject(job.ProjectID)
		if err != nil {
			return err
		}
		return w.cfg.Transitions.FailCycle(ctx, project, payload.CycleID)
	case store.JobReview:
		var payload stage.ReviewPayload
		if err := stage.DecodePayload(job.JobType, job.Payload, &payload); err != nil {
			return err
		}
		run, err := w.cfg.Store.FindPipelineRunByProposal(payload.ProposalID)
		if err != nil {
			return err
		}
		return w.cfg.Transitions.FailProposal(ctx, payload.ProposalID, run.ID, failure.Error())
	default:
		w.cfg.Logger.Warn("stage failure on job_type with no cycle-closing transition", "job_type", job.JobType, "job", job.ID)
		return nil
	}
}

func (w *Worker) applyTransition(ctx context.Context, job *store.Job, project *store.Project, result stage.Result) error {
	switch job.JobType {
	case store.JobScout:
		return w.cfg.Transitions.OnScoutDone(ctx, project.ID, job.ID)
	case store.JobStrategize:
		var payload stage.StrategizePayload
		if err := stage.DecodePayload(job.JobType, job.Payload, &payload); err != nil {
			return err
		}
		return w.cfg.Transitions.OnStrategizeDone(ctx, project, payload.CycleID)
	case store.JobBuild:
		var payload stage.BuildPayload
		if err := stage.DecodePayload(job.JobType, job.Payload, &payload); err != nil {
			return err
		}
		if !result.HasChanges {
			return w.cfg.Transitions.OnBuildNoChanges(ctx, payload.ProposalID, payload.PipelineRunID)
		}
		return w.cfg.Transitions.OnBuildDone(ctx, project.ID, payload.ProposalID, payload.PipelineRunID, payload.BranchName, result.PRNumber, result.HeadSHA)
	case store.JobReview:
		var payload stage.ReviewPayload
		if err := stage.DecodePayload(job.JobType, job.Payload, &payload); err != nil {
			return err
		}
		if result.Approved {
			if project.AutonomyMode == store.AutonomyAutomate && !project.Paused {
				run, err := w.cfg.Store.FindPipelineRunByProposal(payload.ProposalID)
				if err != nil {
					return err
				}
				if mErr := w.cfg.Merge.Merge(ctx, project, payload.ProposalID, payload.BranchName, payload.PRNumber, payload.HeadSHA, run.ID); mErr != nil {
					if errors.Is(mErr, merge.ErrLockBusy) {
						// Another worker is merging a different proposal
						// for this project right now; re-run the review
						// job rather than treating lock contention as a
						// failure (§8 scenario 6).
						return w.cfg.Store.RetryJob(job.ID, mErr.Error())
					}
					return mErr
				}
				return nil
			}
			run, err := w.cfg.Store.FindPipelineRunByProposal(payload.ProposalID)
			if err != nil {
				return err
			}
			return w.cfg.Transitions.OnReviewApproveNonAutomated(ctx, payload.ProposalID, run.ID)
		}
		return w.cfg.Transitions.OnReviewReject(ctx, project.ID, payload.ProposalID, payload.BranchName, payload.PRNumber, payload.RemediationAttempt, result.Concerns)
	case store.JobFixBuild:
		var payload stage.FixBuildPayload
		if err := stage.DecodePayload(job.JobType, job.Payload, &payload); err != nil {
			return err
		}
		if !result.HasChanges {
			return w.cfg.Transitions.OnFixBuildNoChanges(ctx, payload.ProposalID)
		}
		return w.cfg.Transitions.OnFixBuildDone(ctx, project.ID, payload.ProposalID, payload.BranchName, result.PRNumber, result.HeadSHA)
	case store.JobSelfImprove:
		return nil
	default:
		return &stage.FatalError{Reason: "unhandled job_type in transition: " + string(job.JobType)}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
