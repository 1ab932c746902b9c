// Package merge implements the §4.6 merge coordinator: the per-project
// exclusive merge transaction, head-pin verification, and checkpoint
// recording. Grounded on the conditional-update lock pattern in
// internal/store (TryAcquireMergeLock/ReleaseMergeLock) and the
// teacher's leader_lock.go shape of exposing acquire/release as a small
// interface-free pair of calls rather than a full distributed-lock client.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/cycle"
	"github.com/kestrelflow/forge/internal/ids"
	"github.com/kestrelflow/forge/internal/store"
)

// ErrLockBusy indicates another worker currently holds this project's merge
// lock — the expected outcome of two reviewers approving different PRs for
// the same project at nearly the same time (§8 scenario 6: "the loser logs
// 'another merge in progress' and returns without touching state"). Callers
// should retry the job rather than treat this as a failure.
var ErrLockBusy = errors.New("merge: lock busy")

// Coordinator runs the merge transaction for one approved-and-reviewed
// proposal.
type Coordinator struct {
	Store       *store.Store
	Repo        capability.RepoHost
	Notifier    capability.Notifier
	Transitions *cycle.Transitions
	Logger      *slog.Logger
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Merge executes the §4.6 transaction: acquire the project's merge lock,
// verify the PR's head still matches what review approved, merge, record
// state, and unconditionally release the lock.
func (c *Coordinator) Merge(ctx context.Context, project *store.Project, proposalID, branchName string, prNumber int, expectedHeadSHA, pipelineRunID string) error {
	if err := c.Store.TryAcquireMergeLock(project.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.log().Info("another merge in progress, skipping", "project", project.ID)
			return ErrLockBusy
		}
		return fmt.Errorf("merge: acquire lock for project %s: %w", project.ID, err)
	}
	defer func() {
		if err := c.Store.ReleaseMergeLock(project.ID); err != nil {
			c.log().Warn("release merge lock failed", "project", project.ID, "error", err)
		}
	}()

	pr, err := c.Repo.GetPullRequest(ctx, project.RepoRef, prNumber)
	if err != nil {
		return c.fail(ctx, project, proposalID, branchName, pipelineRunID, fmt.Sprintf("failed to load PR #%d: %v", prNumber, err))
	}
	if pr.HeadSHA != expectedHeadSHA {
		if err := c.Store.InsertBranchEvent(store.BranchEvent{
			ProjectID:  project.ID,
			BranchName: branchName,
			EventType:  "merge_failed",
			Actor:      store.ActorSupervisor,
			CommitSHA:  pr.HeadSHA,
		}); err != nil {
			return fmt.Errorf("merge: emit merge_failed(sha mismatch): %w", err)
		}
		return c.rejectAndNotify(ctx, project, proposalID, pipelineRunID, "HEAD SHA changed after review")
	}

	mergeSHA, err := c.Repo.MergePullRequest(ctx, project.RepoRef, prNumber, expectedHeadSHA)
	if err != nil {
		if ferr := c.Store.InsertBranchEvent(store.BranchEvent{
			ProjectID:  project.ID,
			BranchName: branchName,
			EventType:  "merge_failed",
			Actor:      store.ActorSupervisor,
		}); ferr != nil {
			return fmt.Errorf("merge: emit merge_failed(error): %w", ferr)
		}
		return c.rejectAndNotify(ctx, project, proposalID, pipelineRunID, fmt.Sprintf("merge failed: %v", err))
	}

	if err := c.Store.UpdateProposalStatus(proposalID, store.ProposalDone, "", ""); err != nil {
		return fmt.Errorf("merge: mark proposal done: %w", err)
	}

	if err := c.Store.InsertBranchEvent(store.BranchEvent{
		ProjectID:  project.ID,
		BranchName: branchName,
		EventType:  "pr_merged",
		Actor:      store.ActorSupervisor,
		CommitSHA:  mergeSHA,
	}); err != nil {
		return fmt.Errorf("merge: emit pr_merged: %w", err)
	}
	if err := c.Store.InsertBranchEvent(store.BranchEvent{
		ProjectID:  project.ID,
		BranchName: branchName,
		EventType:  "auto_merged",
		Actor:      store.ActorSupervisor,
		CommitSHA:  mergeSHA,
	}); err != nil {
		return fmt.Errorf("merge: emit auto_merged: %w", err)
	}

	if err := c.Store.UpdatePipelineRunStage(pipelineRunID, store.StageDeployed, prNumber, "success"); err != nil {
		return fmt.Errorf("merge: advance pipeline run to deployed: %w", err)
	}

	if err := c.Store.InsertCheckpoint(store.Checkpoint{
		ID:         ids.New(),
		ProjectID:  project.ID,
		ProposalID: store.NullString(proposalID),
		Kind:       store.CheckpointMerge,
		CommitSHA:  mergeSHA,
		PRNumber:   prNumber,
		BranchName: branchName,
	}); err != nil {
		return fmt.Errorf("merge: insert merge checkpoint: %w", err)
	}

	// Branch deletion is best-effort: the merge has already landed, and a
	// dangling branch is cosmetic, not a correctness problem.
	if err := c.Repo.DeleteBranch(ctx, project.RepoRef, branchName); err != nil {
		c.log().Info("branch delete after merge failed", "branch", branchName, "error", err)
	}

	if c.Notifier != nil {
		if err := c.Notifier.Notify(ctx, project.ID, fmt.Sprintf("merged %s (%s)", branchName, mergeSHA), project.ID); err != nil {
			c.log().Info("merge notify failed", "project", project.ID, "error", err)
		}
	}

	return c.Transitions.CheckCycleCompletion(ctx, proposalID)
}

func (c *Coordinator) fail(ctx context.Context, project *store.Project, proposalID, branchName, pipelineRunID, reason string) error {
	if err := c.Store.InsertBranchEvent(store.BranchEvent{
		ProjectID:  project.ID,
		BranchName: branchName,
		EventType:  "merge_failed",
		Actor:      store.ActorSupervisor,
	}); err != nil {
		return fmt.Errorf("merge: emit merge_failed: %w", err)
	}
	return c.rejectAndNotify(ctx, project, proposalID, pipelineRunID, reason)
}

func (c *Coordinator) rejectAndNotify(ctx context.Context, project *store.Project, proposalID, pipelineRunID, reason string) error {
	if err := c.Store.UpdateProposalStatus(proposalID, store.ProposalRejected, "", reason); err != nil {
		return fmt.Errorf("merge: reject proposal: %w", err)
	}
	if err := c.Store.UpdatePipelineRunStage(pipelineRunID, store.StageFailed, 0, reason); err != nil {
		return fmt.Errorf("merge: mark pipeline run failed: %w", err)
	}
	if c.Notifier != nil {
		if err := c.Notifier.Notify(ctx, project.ID, "merge failed: "+reason, project.ID); err != nil {
			c.log().Info("merge failure notify failed", "project", project.ID, "error", err)
		}
	}
	return c.Transitions.CheckCycleCompletion(ctx, proposalID)
}
