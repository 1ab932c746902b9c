package stage

import (
	"context"
	"fmt"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/gitrepo"
)

const (
	builderAuthorName  = "forge-builder"
	builderAuthorEmail = "forge-builder@users.noreply.github.com"
)

// NewBuild returns a stage function that checks out the project's default
// branch, creates the approved proposal's branch, runs the agent against
// the spec text, and — if the agent left the working tree changed —
// commits, pushes, and opens a pull request.
func NewBuild(runner *agent.Runner) Func {
	return func(ctx context.Context, sc Context) (Result, error) {
		var payload BuildPayload
		if err := DecodePayload(sc.Job.JobType, sc.Job.Payload, &payload); err != nil {
			return Result{}, &FatalError{Reason: err.Error()}
		}

		token, err := sc.Tokens.Token(ctx, sc.Project.InstallationID)
		if err != nil {
			return Result{}, fmt.Errorf("build: fetch token: %w", err)
		}

		dir := sc.Workspace.Path()
		if err := gitrepo.CloneAuthenticated(dir, sc.Project.RepoRef, token, sc.Project.DefaultBranch); err != nil {
			return Result{}, fmt.Errorf("build: clone: %w", err)
		}
		if err := gitrepo.CheckoutNewBranch(dir, payload.BranchName); err != nil {
			return Result{}, fmt.Errorf("build: checkout branch: %w", err)
		}

		prompt := fmt.Sprintf(
			"Implement the following change in this repository, then stop:\n\n%s\n\n%s",
			payload.Title, payload.Spec)
		out, err := runner.Run(ctx, prompt, dir)
		if err != nil {
			return Result{}, fmt.Errorf("build: run agent: %w", err)
		}
		if err := sc.Store.AppendRunLog(sc.Project.ID, sc.Job.ID, out); err != nil {
			sc.Logger.Warn("build: append run log failed", "error", err)
		}

		changed, err := gitrepo.HasChanges(dir)
		if err != nil {
			return Result{}, fmt.Errorf("build: check for changes: %w", err)
		}
		if !changed {
			return Result{HasChanges: false}, nil
		}

		commitMsg := fmt.Sprintf("%s\n\n%s", payload.Title, payload.Spec)
		if err := gitrepo.CommitAll(dir, commitMsg, builderAuthorName, builderAuthorEmail); err != nil {
			return Result{}, fmt.Errorf("build: commit: %w", err)
		}
		if err := gitrepo.Push(dir, payload.BranchName); err != nil {
			return Result{}, fmt.Errorf("build: push: %w", err)
		}
		headSHA, err := gitrepo.HeadSHA(dir)
		if err != nil {
			return Result{}, fmt.Errorf("build: head sha: %w", err)
		}

		pr, err := sc.Repo.CreatePullRequest(ctx, sc.Project.RepoRef, payload.BranchName,
			sc.Project.DefaultBranch, payload.Title, payload.Spec)
		if err != nil {
			return Result{}, fmt.Errorf("build: create pull request: %w", err)
		}

		sc.Logger.Info("build complete", "project", sc.Project.ID, "proposal", payload.ProposalID, "pr", pr.Number)
		return Result{HasChanges: true, PRNumber: pr.Number, HeadSHA: headSHA}, nil
	}
}
