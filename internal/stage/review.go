package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/capability"
	"github.com/kestrelflow/forge/internal/gitrepo"
)

// maxDiffBytes bounds how much of a PR's diff is inlined into the review
// prompt; a reviewer reasoning about a multi-megabyte generated diff is a
// worse use of the agent's context than a truncation notice.
const maxDiffBytes = 64 * 1024

// reviewVerdict is the agent's structured review decision.
type reviewVerdict struct {
	Approve  bool   `json:"approve"`
	Concerns string `json:"concerns"`
}

// NewReview returns a stage function that clones the PR's branch, computes
// its diff against the project's default branch, asks the agent to
// evaluate that diff, and submits a formal review carrying the verdict. When
// the reviewing token authored the PR itself, GitHub rejects an
// APPROVE/REQUEST_CHANGES review; NewReview falls back to a plain COMMENT
// review carrying the same verdict text (§6 "must fall back from
// APPROVE/REQUEST_CHANGES→COMMENT... when the token cannot act on its own
// author's PR").
func NewReview(runner *agent.Runner) Func {
	return func(ctx context.Context, sc Context) (Result, error) {
		var payload ReviewPayload
		if err := DecodePayload(sc.Job.JobType, sc.Job.Payload, &payload); err != nil {
			return Result{}, &FatalError{Reason: err.Error()}
		}

		pr, err := sc.Repo.GetPullRequest(ctx, sc.Project.RepoRef, payload.PRNumber)
		if err != nil {
			return Result{}, fmt.Errorf("review: get pull request: %w", err)
		}

		dir := sc.Workspace.Path()
		diff, err := cloneAndDiff(ctx, sc, dir, payload.BranchName)
		if err != nil {
			sc.Logger.Warn("review: could not compute diff, reviewing from metadata only", "error", err)
			diff = ""
		}

		files, err := sc.Repo.ListPRFiles(ctx, sc.Project.RepoRef, payload.PRNumber)
		if err != nil {
			sc.Logger.Warn("review: list pr files failed", "error", err)
		}

		prompt := fmt.Sprintf(
			"Review pull request #%d (head %s) against %s. Respond with exactly one JSON object: "+
				`{"approve":true|false,"concerns":"..."}`+"\n\n%s\n\n%s",
			pr.Number, pr.HeadSHA, sc.Project.DefaultBranch, filesSection(files), diffSection(diff))
		out, err := runner.Run(ctx, prompt, dir)
		if err != nil {
			return Result{}, fmt.Errorf("review: run agent: %w", err)
		}
		if err := sc.Store.AppendRunLog(sc.Project.ID, sc.Job.ID, out); err != nil {
			sc.Logger.Warn("review: append run log failed", "error", err)
		}

		verdict, ok := parseVerdict(out)
		if !ok {
			return Result{}, &FailureError{Reason: "reviewer produced no parseable verdict"}
		}

		event := capability.ReviewRequestChanges
		body := "Automated review: changes requested.\n\n" + verdict.Concerns
		if verdict.Approve {
			event = capability.ReviewApprove
			body = "Automated review: approved."
		}
		if err := sc.Repo.CreateReview(ctx, sc.Project.RepoRef, pr.Number, pr.HeadSHA, body, event); err != nil {
			if errors.Is(err, capability.ErrConflict) && event != capability.ReviewComment {
				// The token authored this PR itself and cannot formally
				// approve or request changes on it — fall back to a plain
				// comment carrying the same verdict (§6).
				if fbErr := sc.Repo.CreateReview(ctx, sc.Project.RepoRef, pr.Number, pr.HeadSHA, body, capability.ReviewComment); fbErr != nil {
					sc.Logger.Warn("review: comment fallback after self-review rejection failed", "error", fbErr)
				}
			} else {
				sc.Logger.Warn("review: create review failed", "error", err)
			}
		}

		sc.Logger.Info("review complete", "project", sc.Project.ID, "pr", pr.Number, "approved", verdict.Approve)
		return Result{
			Approved: verdict.Approve,
			Concerns: verdict.Concerns,
			PRNumber: pr.Number,
			HeadSHA:  pr.HeadSHA,
		}, nil
	}
}

// cloneAndDiff clones branchName into dir and returns its diff against the
// project's default branch, truncated to maxDiffBytes. Returns an error
// (never a partial clone) so the caller can fall back to a metadata-only
// review rather than asking the agent to reason about a half-populated
// workspace.
func cloneAndDiff(ctx context.Context, sc Context, dir, branchName string) (string, error) {
	if branchName == "" {
		return "", fmt.Errorf("review: proposal has no branch name recorded")
	}
	token, err := sc.Tokens.Token(ctx, sc.Project.InstallationID)
	if err != nil {
		return "", fmt.Errorf("review: fetch token: %w", err)
	}
	if err := gitrepo.CloneAuthenticated(dir, sc.Project.RepoRef, token, branchName); err != nil {
		return "", fmt.Errorf("review: clone: %w", err)
	}
	if err := gitrepo.FetchBranch(dir, sc.Project.DefaultBranch); err != nil {
		return "", fmt.Errorf("review: fetch default branch: %w", err)
	}
	diff, err := gitrepo.Diff(dir, sc.Project.DefaultBranch)
	if err != nil {
		return "", fmt.Errorf("review: diff: %w", err)
	}
	if len(diff) > maxDiffBytes {
		diff = diff[:maxDiffBytes] + "\n... (diff truncated)"
	}
	return diff, nil
}

func filesSection(files []capability.PRFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Files changed:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s, +%d/-%d)\n", f.Filename, f.Status, f.Additions, f.Deletions)
	}
	return b.String()
}

func diffSection(diff string) string {
	if diff == "" {
		return "(diff unavailable — review from the PR metadata above)"
	}
	return "Diff:\n" + diff
}

func parseVerdict(out string) (reviewVerdict, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var v reviewVerdict
		if err := json.Unmarshal([]byte(line), &v); err == nil {
			return v, true
		}
	}
	return reviewVerdict{}, false
}
