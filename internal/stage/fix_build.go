package stage

import (
	"context"
	"fmt"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/gitrepo"
)

// NewFixBuild returns a stage function that checks out the proposal's
// existing branch, asks the agent to address the reviewer's concerns, and
// pushes a remediation commit if the working tree changed.
func NewFixBuild(runner *agent.Runner) Func {
	return func(ctx context.Context, sc Context) (Result, error) {
		var payload FixBuildPayload
		if err := DecodePayload(sc.Job.JobType, sc.Job.Payload, &payload); err != nil {
			return Result{}, &FatalError{Reason: err.Error()}
		}

		token, err := sc.Tokens.Token(ctx, sc.Project.InstallationID)
		if err != nil {
			return Result{}, fmt.Errorf("fix_build: fetch token: %w", err)
		}

		dir := sc.Workspace.Path()
		if err := gitrepo.CloneAuthenticated(dir, sc.Project.RepoRef, token, payload.BranchName); err != nil {
			return Result{}, fmt.Errorf("fix_build: clone branch %s: %w", payload.BranchName, err)
		}

		prompt := fmt.Sprintf(
			"Address this reviewer feedback on the current branch, then stop:\n\n%s", payload.Concerns)
		out, err := runner.Run(ctx, prompt, dir)
		if err != nil {
			return Result{}, fmt.Errorf("fix_build: run agent: %w", err)
		}
		if err := sc.Store.AppendRunLog(sc.Project.ID, sc.Job.ID, out); err != nil {
			sc.Logger.Warn("fix_build: append run log failed", "error", err)
		}

		changed, err := gitrepo.HasChanges(dir)
		if err != nil {
			return Result{}, fmt.Errorf("fix_build: check for changes: %w", err)
		}
		if !changed {
			return Result{HasChanges: false}, nil
		}

		if err := gitrepo.CommitAll(dir, "Address review feedback", builderAuthorName, builderAuthorEmail); err != nil {
			return Result{}, fmt.Errorf("fix_build: commit: %w", err)
		}
		if err := gitrepo.Push(dir, payload.BranchName); err != nil {
			return Result{}, fmt.Errorf("fix_build: push: %w", err)
		}
		headSHA, err := gitrepo.HeadSHA(dir)
		if err != nil {
			return Result{}, fmt.Errorf("fix_build: head sha: %w", err)
		}

		sc.Logger.Info("fix_build complete", "project", sc.Project.ID, "proposal", payload.ProposalID)
		return Result{HasChanges: true, PRNumber: payload.PRNumber, HeadSHA: headSHA}, nil
	}
}
