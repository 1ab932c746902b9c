// Package cycle implements the §4.4 autonomy policy and the §4.5 cycle
// state machine: cycle identity is derived from the scout job that opened
// it, and state is read back from the set of proposals tagged with that
// cycle id rather than tracked as an explicit enum (see DESIGN.md's
// recorded decision on cycle identity).
package cycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/ids"
	"github.com/kestrelflow/forge/internal/store"
)

// Transitions wires together everything the §4.5 state-machine reactions
// need: the store, a repo host for reading the default branch's head at
// cycle completion, a notifier, and the autonomy policy.
type Transitions struct {
	Store    *store.Store
	Repo     capability.RepoHost
	Notifier capability.Notifier
	Autonomy *AutonomyPolicy
	Logger   *slog.Logger
}

func (t *Transitions) log() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// OnScoutDone enqueues a strategize job carrying the cycle id, which is
// aliased to the scout job's own id (§4.5).
func (t *Transitions) OnScoutDone(ctx context.Context, projectID, scoutJobID string) error {
	if err := t.Store.InsertCycle(scoutJobID, projectID); err != nil {
		return fmt.Errorf("cycle: open cycle for scout %s: %w", scoutJobID, err)
	}
	strategizeID := ids.New()
	return t.Store.InsertJob(strategizeID, projectID, store.JobStrategize, map[string]any{
		"cycle_id": scoutJobID,
	})
}

// OnStrategizeDone runs the autonomy policy for the cycle the strategize
// job belonged to.
func (t *Transitions) OnStrategizeDone(ctx context.Context, project *store.Project, cycleID string) error {
	return t.Autonomy.Run(ctx, project, cycleID)
}

// OnBuildDone handles a build job that produced a PR: advance the pipeline
// run and enqueue a review job.
func (t *Transitions) OnBuildDone(ctx context.Context, projectID, proposalID, pipelineRunID, branchName string, prNumber int, headSHA string) error {
	if err := t.Store.UpdatePipelineRunStage(pipelineRunID, store.StageValidating, prNumber, ""); err != nil {
		return fmt.Errorf("cycle: advance pipeline run to validating: %w", err)
	}
	reviewID := ids.New()
	return t.Store.InsertJob(reviewID, projectID, store.JobReview, map[string]any{
		"proposal_id": proposalID,
		"pr_number":   prNumber,
		"head_sha":    headSHA,
		"branch_name": branchName,
	})
}

// OnBuildNoChanges rejects the proposal when the builder produced no code
// changes (§4.5, §7 StageFailure).
func (t *Transitions) OnBuildNoChanges(ctx context.Context, proposalID, pipelineRunID string) error {
	if err := t.Store.UpdateProposalStatus(proposalID, store.ProposalRejected, "", "builder produced no code changes"); err != nil {
		return fmt.Errorf("cycle: reject proposal with no changes: %w", err)
	}
	if err := t.Store.UpdatePipelineRunStage(pipelineRunID, store.StageFailed, 0, "builder produced no code changes"); err != nil {
		return fmt.Errorf("cycle: mark pipeline run failed: %w", err)
	}
	return t.CheckCycleCompletion(ctx, proposalID)
}

// OnReviewReject enqueues a single remediation attempt, or rejects the
// proposal if one has already been tried (§4.5).
func (t *Transitions) OnReviewReject(ctx context.Context, projectID, proposalID, branchName string, prNumber, remediationAttempt int, concerns string) error {
	if remediationAttempt < 1 {
		if err := t.Store.InsertBranchEvent(store.BranchEvent{
			ProjectID:  projectID,
			BranchName: branchName,
			EventType:  "review_rejected",
			Actor:      store.ActorReviewer,
		}); err != nil {
			return fmt.Errorf("cycle: emit review_rejected(will_retry): %w", err)
		}
		fixID := ids.New()
		return t.Store.InsertJob(fixID, projectID, store.JobFixBuild, map[string]any{
			"proposal_id": proposalID,
			"branch_name": branchName,
			"pr_number":   prNumber,
			"concerns":    concerns,
		})
	}

	if err := t.Store.UpdateProposalStatus(proposalID, store.ProposalRejected, "", "review rejected after remediation"); err != nil {
		return fmt.Errorf("cycle: reject proposal after final review: %w", err)
	}
	if err := t.Store.InsertBranchEvent(store.BranchEvent{
		ProjectID:  projectID,
		BranchName: branchName,
		EventType:  "review_rejected",
		Actor:      store.ActorReviewer,
	}); err != nil {
		return fmt.Errorf("cycle: emit review_rejected(final): %w", err)
	}
	return t.CheckCycleCompletion(ctx, proposalID)
}

// OnReviewApproveNonAutomated records a proposal as done outside automate
// mode — a human or downstream process merges manually.
func (t *Transitions) OnReviewApproveNonAutomated(ctx context.Context, proposalID, pipelineRunID string) error {
	if err := t.Store.UpdateProposalStatus(proposalID, store.ProposalDone, "", ""); err != nil {
		return fmt.Errorf("cycle: mark proposal done: %w", err)
	}
	return t.Store.UpdatePipelineRunStage(pipelineRunID, store.StageDeployed, 0, "success")
}

// OnFixBuildDone enqueues the remediation review.
func (t *Transitions) OnFixBuildDone(ctx context.Context, projectID, proposalID, branchName string, prNumber int, headSHA string) error {
	reviewID := ids.New()
	return t.Store.InsertJob(reviewID, projectID, store.JobReview, map[string]any{
		"proposal_id":          proposalID,
		"pr_number":            prNumber,
		"head_sha":             headSHA,
		"branch_name":          branchName,
		"remediation_attempt":  1,
	})
}

// OnFixBuildNoChanges rejects the proposal when remediation produced
// nothing to review.
func (t *Transitions) OnFixBuildNoChanges(ctx context.Context, proposalID string) error {
	if err := t.Store.UpdateProposalStatus(proposalID, store.ProposalRejected, "", "remediation produced no code changes"); err != nil {
		return fmt.Errorf("cycle: reject proposal after failed remediation: %w", err)
	}
	return t.CheckCycleCompletion(ctx, proposalID)
}

// CheckCycleCompletion implements §4.5's cycle-completion check: called
// whenever a proposal reaches a terminal status. It closes the cycle and,
// in automate mode, kicks off the next one.
func (t *Transitions) CheckCycleCompletion(ctx context.Context, proposalID string) error {
	proposal, err := t.Store.GetProposal(proposalID)
	if err != nil {
		return fmt.Errorf("cycle: load proposal for completion check: %w", err)
	}
	if !proposal.CycleID.Valid || proposal.CycleID.String == "" {
		return nil
	}
	cycleID := proposal.CycleID.String

	siblings, err := t.Store.ListProposalsByCycle(cycleID)
	if err != nil {
		return fmt.Errorf("cycle: list cycle proposals: %w", err)
	}
	for _, sib := range siblings {
		if !sib.Status.IsTerminal() {
			return nil
		}
	}

	project, err := t.Store.GetProject(proposal.ProjectID)
	if err != nil {
		return fmt.Errorf("cycle: load project for completion check: %w", err)
	}

	return t.completeCycle(ctx, project, cycleID)
}

// FailProposal rejects a proposal and fails its pipeline run when a stage
// returns a StageFailure before recording any outcome of its own (§7) —
// e.g. the reviewer produced no parseable verdict. It then runs the same
// completion check a normal rejection would (OnReviewReject, OnBuildNoChanges)
// so the cycle isn't left permanently open.
func (t *Transitions) FailProposal(ctx context.Context, proposalID, pipelineRunID, reason string) error {
	if err := t.Store.UpdateProposalStatus(proposalID, store.ProposalRejected, "", reason); err != nil {
		return fmt.Errorf("cycle: reject proposal after stage failure: %w", err)
	}
	if pipelineRunID != "" {
		if err := t.Store.UpdatePipelineRunStage(pipelineRunID, store.StageFailed, 0, reason); err != nil {
			return fmt.Errorf("cycle: mark pipeline run failed after stage failure: %w", err)
		}
	}
	return t.CheckCycleCompletion(ctx, proposalID)
}

// FailCycle closes a cycle directly when it failed before producing any
// proposal to reject individually (§7 StageFailure) — e.g. strategize
// returned no parseable draft proposals. A cycle with zero proposals
// trivially satisfies CheckCycleCompletion's "every sibling proposal is
// terminal" condition, so this calls straight into the same closing logic.
func (t *Transitions) FailCycle(ctx context.Context, project *store.Project, cycleID string) error {
	return t.completeCycle(ctx, project, cycleID)
}

// completeCycle closes cycleID for project: emits cycle_completed, records
// the cycle_complete checkpoint, marks the cycle row done, and — in automate
// mode with no scout already pending — enqueues the next cycle.
func (t *Transitions) completeCycle(ctx context.Context, project *store.Project, cycleID string) error {
	err := t.Store.InsertBranchEvent(store.BranchEvent{
		ProjectID:  project.ID,
		BranchName: cycleID,
		EventType:  "cycle_completed",
		Actor:      store.ActorSupervisor,
	})
	if err != nil {
		if err == store.ErrConflict {
			// Another caller already closed this cycle — the uniqueness
			// guard (§8 idempotence) makes this a no-op, not an error.
			return nil
		}
		return fmt.Errorf("cycle: emit cycle_completed: %w", err)
	}

	headSHA := ""
	if t.Repo != nil {
		if sha, err := t.Repo.GetRef(ctx, project.RepoRef, "heads/"+project.DefaultBranch); err == nil {
			headSHA = sha
		}
	}

	if err := t.Store.InsertCheckpoint(store.Checkpoint{
		ID:        ids.New(),
		ProjectID: project.ID,
		CycleID:   store.NullString(cycleID),
		Kind:      store.CheckpointCycleComplete,
		CommitSHA: headSHA,
	}); err != nil {
		return fmt.Errorf("cycle: insert cycle_complete checkpoint: %w", err)
	}

	if err := t.Store.CompleteCycle(cycleID); err != nil && err != store.ErrConflict {
		return fmt.Errorf("cycle: mark cycle complete: %w", err)
	}

	if project.AutonomyMode == store.AutonomyAutomate && !project.Paused {
		pending, err := t.Store.HasPendingOrProcessingJob(project.ID, store.JobScout)
		if err != nil {
			return fmt.Errorf("cycle: check for pending scout: %w", err)
		}
		if !pending {
			nextScoutID := ids.New()
			if err := t.Store.InsertJob(nextScoutID, project.ID, store.JobScout, map[string]any{}); err != nil {
				return fmt.Errorf("cycle: insert next scout job: %w", err)
			}
			if err := t.Store.InsertBranchEvent(store.BranchEvent{
				ProjectID:  project.ID,
				BranchName: nextScoutID,
				EventType:  "cycle_started",
				Actor:      store.ActorSupervisor,
			}); err != nil {
				t.log().Warn("emit cycle_started failed", "project", project.ID, "error", err)
			}
		}
	}

	return nil
}
